package sender

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/emberline/dispatch/internal/config"
	"github.com/emberline/dispatch/internal/crm"
	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/pkg/logger"
	"github.com/emberline/dispatch/internal/storage"
)

// sesAPI is the slice of the SES v2 client the email sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailSender delivers one batch through AWS SES, one recipient at a
// time with a fixed throttle between sends.
type EmailSender struct {
	client       sesAPI
	blobs        storage.BlobStore
	renderer     *Renderer
	activity     ActivityLogger
	fromMailbox  string
	fromName     string
	trackingBase string
	throttle     time.Duration
}

// NewEmailSender creates an email sender. blobs may be nil when no
// campaign uses stored attachments; activity may be nil to disable CRM
// mirroring.
func NewEmailSender(cfg config.SESConfig, trackingBase string, blobs storage.BlobStore, activity ActivityLogger, throttle time.Duration) (*EmailSender, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &EmailSender{
		client:       sesv2.NewFromConfig(awsCfg),
		blobs:        blobs,
		renderer:     NewRenderer(),
		activity:     activity,
		fromMailbox:  cfg.FromMailbox,
		fromName:     cfg.FromName,
		trackingBase: trackingBase,
		throttle:     throttle,
	}, nil
}

// SetClient swaps the SES client (useful for testing).
func (s *EmailSender) SetClient(c sesAPI) { s.client = c }

type resolvedAttachment struct {
	name        string
	contentType string
	contentID   string
	inline      bool
	data        []byte
}

// SendBatch delivers the batch's recipients one at a time. Recipients
// without an email address are recorded as failed and skipped. A
// missing from mailbox or an attachment that cannot be resolved fails
// the whole batch; per-recipient SES errors do not.
func (s *EmailSender) SendBatch(ctx context.Context, campaign *domain.Campaign, batch *domain.Batch) (domain.BatchResult, error) {
	var result domain.BatchResult

	if s.fromMailbox == "" {
		return result, fmt.Errorf("no from mailbox configured")
	}

	// Attachments resolve once per batch. Blob fetches are shared by
	// every recipient, so a fetch failure is batch-fatal.
	attachments, err := s.resolveAttachments(ctx, campaign.Attachments)
	if err != nil {
		return result, fmt.Errorf("resolving attachments: %w", err)
	}

	for i, rcpt := range batch.Recipients {
		if rcpt.Email == "" {
			result.Results = append(result.Results, domain.MessageResult{
				RecipientID: rcpt.ID,
				Success:     false,
				Error:       "recipient has no email address",
			})
			continue
		}

		res := s.sendOne(ctx, campaign, rcpt, attachments)
		result.Results = append(result.Results, res)

		if res.Success && s.activity != nil {
			s.activity.LogActivity(ctx, crm.ActivityEntry{
				ContactID:  rcpt.ID,
				Channel:    string(domain.ChannelEmail),
				Subject:    campaign.Subject,
				CampaignID: campaign.ID,
			})
		}

		if i < len(batch.Recipients)-1 {
			sleep(ctx, s.throttle)
		}
	}

	return result, nil
}

func (s *EmailSender) sendOne(ctx context.Context, campaign *domain.Campaign, rcpt domain.Recipient, attachments []resolvedAttachment) domain.MessageResult {
	vars := recipientVars(rcpt)
	subject := s.renderer.Render(campaign.Subject, vars)
	html := s.renderer.Render(campaign.HTMLContent, vars)
	html += s.footer(campaign.ID, rcpt.ID)

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", s.fromName, s.fromMailbox)),
		Destination:      &types.Destination{ToAddresses: []string{rcpt.Email}},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(campaign.ID)},
			{Name: aws.String("recipient_id"), Value: aws.String(rcpt.ID)},
		},
	}

	if len(attachments) > 0 {
		raw, err := buildRawEmail(s.fromName, s.fromMailbox, rcpt.Email, subject, html, attachments)
		if err != nil {
			return domain.MessageResult{RecipientID: rcpt.ID, Success: false, Error: err.Error()}
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: raw}}
	} else {
		input.Content = &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")},
				},
			},
		}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		logger.Warn("[EmailSender] send failed",
			"campaign_id", campaign.ID,
			"email", rcpt.Email,
			"error", err.Error())
		return domain.MessageResult{RecipientID: rcpt.ID, Success: false, Error: err.Error()}
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	logger.Debug("[EmailSender] sent",
		"campaign_id", campaign.ID,
		"email", rcpt.Email,
		"message_id", messageID)

	return domain.MessageResult{RecipientID: rcpt.ID, Success: true, ProviderMessageID: messageID}
}

// footer appends the unsubscribe link and open-tracking pixel.
func (s *EmailSender) footer(campaignID, recipientID string) string {
	if s.trackingBase == "" {
		return ""
	}
	return fmt.Sprintf(
		`<img src="%s/t/open?c=%s&r=%s" width="1" height="1" alt="" />`+
			`<p style="font-size:11px;color:#888">`+
			`<a href="%s/t/unsubscribe?c=%s&r=%s">Unsubscribe</a></p>`,
		s.trackingBase, campaignID, recipientID,
		s.trackingBase, campaignID, recipientID)
}

func (s *EmailSender) resolveAttachments(ctx context.Context, atts []domain.Attachment) ([]resolvedAttachment, error) {
	if len(atts) == 0 {
		return nil, nil
	}

	resolved := make([]resolvedAttachment, 0, len(atts))
	fetched := map[string][]byte{}
	for _, att := range atts {
		ra := resolvedAttachment{
			name:        att.Name,
			contentType: att.ContentType,
			contentID:   att.ContentID,
			inline:      att.Inline,
		}

		switch {
		case att.Content != "":
			data, err := base64.StdEncoding.DecodeString(att.Content)
			if err != nil {
				return nil, fmt.Errorf("attachment %s: invalid base64 content: %w", att.Name, err)
			}
			ra.data = data
		case att.StorageKey != "":
			if s.blobs == nil {
				return nil, fmt.Errorf("attachment %s: no blob store configured", att.Name)
			}
			data, ok := fetched[att.StorageKey]
			if !ok {
				var err error
				data, err = s.blobs.Fetch(ctx, att.StorageKey)
				if err != nil {
					return nil, fmt.Errorf("attachment %s: %w", att.Name, err)
				}
				fetched[att.StorageKey] = data
			}
			ra.data = data
		default:
			return nil, fmt.Errorf("attachment %s: no content or storage key", att.Name)
		}

		resolved = append(resolved, ra)
	}
	return resolved, nil
}

// buildRawEmail composes a multipart MIME message with the HTML body
// and attachments. Inline attachments get a Content-ID so the HTML can
// reference them with cid: URLs.
func buildRawEmail(fromName, fromMailbox, to, subject, html string, attachments []resolvedAttachment) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s <%s>\r\n", fromName, fromMailbox)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	htmlPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/html; charset=UTF-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := htmlPart.Write([]byte(html)); err != nil {
		return nil, err
	}

	for _, att := range attachments {
		header := textproto.MIMEHeader{
			"Content-Type":              {att.contentType},
			"Content-Transfer-Encoding": {"base64"},
		}
		if att.inline && att.contentID != "" {
			header.Set("Content-ID", fmt.Sprintf("<%s>", att.contentID))
			header.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", att.name))
		} else {
			header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.name))
		}

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, err
		}
		encoded := base64.StdEncoding.EncodeToString(att.data)
		if _, err := part.Write([]byte(encoded)); err != nil {
			return nil, err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
