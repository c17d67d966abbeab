package engram

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/provenant/engram/pkg/record"
	"github.com/provenant/engram/pkg/session"
	"github.com/provenant/engram/pkg/store"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", &record.ValidationError{Field: "decision.rationale", Reason: "cannot be empty"}, ErrTypeValidation},
		{"wrapped validation", fmt.Errorf("record: %w", &record.ValidationError{Field: "tier", Reason: "cannot be empty"}), ErrTypeValidation},
		{"duplicate id", &store.DuplicateIDError{ID: "e1"}, ErrTypeDuplicate},
		{"integrity", fmt.Errorf("partition x: %w", store.ErrIntegrity), ErrTypeTampered},
		{"not found", store.ErrNotFound, ErrTypeNotFound},
		{"store closed", store.ErrClosed, ErrTypeClosed},
		{"session closed", session.ErrSessionClosed, ErrTypeClosed},
		{"deadline", context.DeadlineExceeded, ErrTypeTimeout},
		{"append failed", fmt.Errorf("%w: disk unavailable", session.ErrAppendFailed), ErrTypeAppend},
		{"chain mismatch", store.ErrChainMismatch, ErrTypeAppend},
		{"driver timeout string", errors.New("connection timeout after 30s"), ErrTypeTimeout},
		{"sql string", errors.New("sql: database is locked"), ErrTypeAppend},
		{"write string", errors.New("write partition /x/y.log: no space left"), ErrTypeAppend},
		{"unknown", errors.New("something else entirely"), ErrTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}
