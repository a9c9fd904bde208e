package dispatch

import (
	"errors"
	"testing"

	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

func requireAPIError(t *testing.T, err error) *apierr.Error {
	t.Helper()
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	return ae
}
