package handlers

import (
	"fmt"
	"net/http"

	"github.com/llamanexus/gateway/internal/gwerr"
	"github.com/llamanexus/gateway/pkg/models"
)

func gwerr404(w http.ResponseWriter, kind models.Kind) {
	gwerr.New(gwerr.NoBackend, fmt.Sprintf("no %s backend available", kind)).WriteJSON(w)
}

func errInvalidBody(err error) *gwerr.Error {
	return gwerr.Wrap(gwerr.InvalidRequest, "failed to read request body", err)
}
