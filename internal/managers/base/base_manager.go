// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package base collects the field-validation helpers every submission-
// facing component shares: a resource name/ID/count must be checked
// the same way whether it arrives through internal/service's Submit
// or a future admin-facing entry point. It carries no SLURM-specific
// HTTP/API-response handling, unlike its teacher counterpart — this
// core's only external boundary is internal/bmp.Driver, not a
// versioned REST client.
package base

import (
	"fmt"

	"github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

// Validator applies the same named-field checks for one resource kind
// (e.g. "machine", "group"), mirroring the teacher's per-resource-type
// BaseManager but narrowed to validation alone.
type Validator struct {
	resourceType string
}

// NewValidator constructs a Validator for one resource kind.
func NewValidator(resourceType string) *Validator {
	return &Validator{resourceType: resourceType}
}

// RequireName rejects an empty resource name.
func (v *Validator) RequireName(name, fieldName string) error {
	if name == "" {
		return errors.NewBadRequest(fmt.Sprintf("%s %s is required", v.resourceType, fieldName))
	}
	return nil
}

// RequirePositiveID rejects a zero or negative ID.
func (v *Validator) RequirePositiveID(id int64, fieldName string) error {
	if id <= 0 {
		return errors.NewBadRequest(fmt.Sprintf("%s %s must be greater than 0", v.resourceType, fieldName))
	}
	return nil
}

// RequireNonNegative rejects a negative count (e.g. num_boards, width,
// height, max_dead_boards).
func (v *Validator) RequireNonNegative(value int, fieldName string) error {
	if value < 0 {
		return errors.NewBadRequest(fmt.Sprintf("%s %s must be non-negative", v.resourceType, fieldName))
	}
	return nil
}

// RequirePositive rejects a zero or negative count, for fields where
// zero is never meaningful (e.g. num_boards on a RequestByCount).
func (v *Validator) RequirePositive(value int, fieldName string) error {
	if value <= 0 {
		return errors.NewBadRequest(fmt.Sprintf("%s %s must be greater than 0", v.resourceType, fieldName))
	}
	return nil
}
