// Package campaign implements campaign lifecycle management: creation,
// batch partitioning, filter expansion, and the status/progress surface.
//
// The service layer contains the business logic; the batch delivery
// pipeline itself lives in internal/worker and calls back into the
// repository interfaces defined here. This package should never import
// from api/ or worker/.
//
// Repository implementations live in repository/postgres/ and
// repository/memory/.
package campaign
