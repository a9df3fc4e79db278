package tracer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"

	"tracelog/internal/models"
)

// SerializeError renders err as {name, message, stack}. Name is the dynamic
// type. Stack is the %+v rendering when it adds to the message, otherwise the
// chain of wrapped errors.
func SerializeError(err error) *models.ErrorInfo {
	if err == nil {
		return nil
	}
	info := &models.ErrorInfo{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	if verbose := fmt.Sprintf("%+v", err); verbose != info.Message {
		info.Stack = verbose
		return info
	}

	var chain []string
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T: %s", e, e.Error()))
	}
	info.Stack = strings.Join(chain, "\n")
	return info
}

// safeMetadata replaces metadata that cannot be encoded with an error marker.
func (t *Tracer) safeMetadata(ctx context.Context, m models.Metadata) models.Metadata {
	if m == nil {
		return nil
	}
	if _, err := json.Marshal(m); err != nil {
		clog.FromContext(ctx).With("error", err.Error()).Warn("dropping unserializable metadata")
		return models.Metadata{"_error": "unserializable: " + err.Error()}
	}
	return m
}
