// Package sender implements the channel senders that drive one batch
// through an external send API: email via AWS SES, WhatsApp via the
// messaging gateway's batch endpoint. Failures are isolated per
// recipient; only errors that occur before any recipient outcome is
// known (missing mailbox, header media upload) fail the whole batch.
package sender

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"github.com/emberline/dispatch/internal/crm"
	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/pkg/logger"
)

// Sender processes one batch for its channel. The returned BatchResult
// carries per-recipient outcomes; a non-nil error means the batch as a
// whole failed before per-recipient isolation applied and the campaign
// pipeline must halt.
type Sender interface {
	SendBatch(ctx context.Context, campaign *domain.Campaign, batch *domain.Batch) (domain.BatchResult, error)
}

// ActivityLogger mirrors successful sends into the CRM contact
// timeline. Implemented by the CRM client; nil disables mirroring.
type ActivityLogger interface {
	LogActivity(ctx context.Context, entry crm.ActivityEntry)
}

// Renderer renders Liquid templates with parsed-template caching, so a
// campaign body is parsed once and bound per recipient.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render binds vars into the template. Missing variables render empty.
// A template that fails to parse is returned verbatim; a broken body
// should still reach the recipient rather than silently drop the send.
func (r *Renderer) Render(source string, vars map[string]interface{}) string {
	if !strings.Contains(source, "{{") && !strings.Contains(source, "{%") {
		return source
	}

	var tpl *liquid.Template
	if cached, ok := r.cache.Load(source); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(source)
		if err != nil {
			logger.Warn("[Renderer] template parse failed, sending raw", "error", err.Error())
			return source
		}
		r.cache.Store(source, parsed)
		tpl = parsed
	}

	out, err := tpl.Render(vars)
	if err != nil {
		logger.Warn("[Renderer] template render failed, sending raw", "error", err.Error())
		return source
	}
	return string(out)
}

// recipientVars builds the substitution map for one recipient:
// auto-derived fields first, explicit per-recipient variables on top.
func recipientVars(rcpt domain.Recipient) map[string]interface{} {
	vars := map[string]interface{}{
		"name":       rcpt.Name,
		"first_name": firstName(rcpt.Name),
		"email":      rcpt.Email,
		"phone":      rcpt.Phone,
	}
	for k, v := range rcpt.Variables {
		vars[k] = v
	}
	return vars
}

func firstName(full string) string {
	full = strings.TrimSpace(full)
	if i := strings.IndexByte(full, ' '); i > 0 {
		return full[:i]
	}
	return full
}

// sleep pauses for the throttle interval unless the context ends first.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
