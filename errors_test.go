package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeForMapsErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want CoapCode
	}{
		{"malformed tlv", ErrMalformedTLV, CoapCodeBadRequest},
		{"variant mismatch", ErrVariantMismatch, CoapCodeBadRequest},
		{"validation failed", ErrValidationFailed, CoapCodeBadRequest},
		{"unknown resource", ErrUnknownResource, CoapCodeBadRequest},
		{"wrong content format", ErrWrongContentFormat, CoapCodeNotAcceptable},
		{"method not allowed", ErrMethodNotAllowed, CoapCodeNotAllowed},
		{"block out of sequence", ErrBlockOutOfSequence, CoapCodeRequestEntityIncomplete},
		{"not found", ErrNotFound, CoapCodeNotFound},
		{"unrecognized", ErrCancelled, CoapCodeInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeFor(tt.err))
		})
	}
}

func TestUpdateResultFromExitCode(t *testing.T) {
	assert.Equal(t, UpdateResultSuccess, updateResultFromExitCode(0))
	assert.Equal(t, UpdateResultUpdateFailed, updateResultFromExitCode(1))
	assert.Equal(t, UpdateResultUpdateFailed, updateResultFromExitCode(127))
}
