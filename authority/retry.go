// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// isRetryablePGTxError reports whether a failed apply transaction is worth
// rerunning. Serialization failures and deadlocks under REPEATABLE READ
// resolve themselves on a retry; anything else is a real error.
func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected, lock_not_available
	switch pgErr.SQLState() {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// sleepWithContext pauses between retry attempts without outliving the
// request's context.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
