package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/stockorders/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: domain.ErrorKindUnavailable},
		{name: "canceled", err: context.Canceled, want: domain.ErrorKindCanceled},
		{name: "bad conn", err: driver.ErrBadConn, want: domain.ErrorKindUnavailable},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, want: domain.ErrorKindConcurrencyConflict},
		{name: "deadlock", err: fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40P01"}), want: domain.ErrorKindConcurrencyConflict},
		{name: "statement timeout", err: &pgconn.PgError{Code: "57014"}, want: domain.ErrorKindUnavailable},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, want: domain.ErrorKindUnavailable},
		{name: "check violation", err: &pgconn.PgError{Code: "23514"}, want: domain.ErrorKindValidation},
		{name: "other", err: errors.New("syntax"), want: domain.ErrorKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.err)
			if kind := domain.KindOf(got); kind != tt.want {
				t.Fatalf("KindOf(classify) = %q, want %q (err=%v)", kind, tt.want, got)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("classified error lost the original cause: %v", got)
			}
		})
	}

	if classify("op", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatal("expected unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23514"}) || isUniqueViolation(errors.New("x")) {
		t.Fatal("unexpected unique violation")
	}
}
