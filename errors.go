package kgeflow

import (
	"errors"
	"fmt"

	"github.com/hupe1980/kgeflow/checkpoint"
	"github.com/hupe1980/kgeflow/config"
	"github.com/hupe1980/kgeflow/dataloader"
	"github.com/hupe1980/kgeflow/graph"
	"github.com/hupe1980/kgeflow/internal/embedding"
	"github.com/hupe1980/kgeflow/internal/resource"
	"github.com/hupe1980/kgeflow/internal/trainer"
	"github.com/hupe1980/kgeflow/model"
	"github.com/hupe1980/kgeflow/optim"
	"github.com/hupe1980/kgeflow/score"
)

var (
	// ErrStaleness is logged once at Warn when no dense parameter is
	// trainable. It is never returned.
	ErrStaleness = trainer.ErrStaleness

	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("kgeflow: trainer closed")
)

// ConfigError reports an unsupported or invalid setting.
//
// The original underlying error can be accessed via errors.Unwrap.
type ConfigError struct {
	Field string
	Value any
	cause error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.cause)
	}
	return fmt.Sprintf("invalid configuration: %s=%v: %v", e.Field, e.Value, e.cause)
}

func (e *ConfigError) Unwrap() error { return e.cause }

// DataError reports malformed triples, out-of-range ids or a missing split.
//
// The original underlying error can be accessed via errors.Unwrap.
type DataError struct {
	cause error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("invalid training data: %v", e.cause)
}

func (e *DataError) Unwrap() error { return e.cause }

// CapacityError reports that one batch does not fit the resident window, or
// that the windows exceed the memory budget.
//
// The original underlying error can be accessed via errors.Unwrap.
type CapacityError struct {
	Table     string
	Requested int
	Capacity  int
	cause     error
}

func (e *CapacityError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("capacity exceeded: %v", e.cause)
	}
	return fmt.Sprintf("capacity exceeded: %s table needs %d resident rows, capacity is %d",
		e.Table, e.Requested, e.Capacity)
}

func (e *CapacityError) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Already translated.
	var ce *ConfigError
	var de *DataError
	var ke *CapacityError
	if errors.As(err, &ce) || errors.As(err, &de) || errors.As(err, &ke) {
		return err
	}

	// Configuration.
	var fe *config.FieldError
	if errors.As(err, &fe) {
		return &ConfigError{Field: fe.Field, Value: fe.Value, cause: err}
	}
	for _, target := range []error{
		config.ErrInvalid,
		score.ErrUnknownModel,
		score.ErrUnknownLoss,
		optim.ErrUnsupported,
		model.ErrInvalidMode,
		checkpoint.ErrUnknownCompression,
		dataloader.ErrInvalidConfig,
		trainer.ErrSetup,
	} {
		if errors.Is(err, target) {
			return &ConfigError{cause: err}
		}
	}

	// Data.
	if errors.Is(err, graph.ErrMalformed) || errors.Is(err, dataloader.ErrTooFewTriples) {
		return &DataError{cause: err}
	}

	// Capacity.
	var ec *embedding.CapacityError
	if errors.As(err, &ec) {
		return &CapacityError{Table: ec.Table.String(), Requested: ec.Requested, Capacity: ec.Capacity, cause: err}
	}
	if errors.Is(err, resource.ErrMemoryLimitExceeded) {
		return &CapacityError{cause: err}
	}

	return err
}
