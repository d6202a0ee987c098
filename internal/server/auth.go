package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"
)

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// operatorSubject admits a request to an operator-only endpoint and returns
// the subject recorded as the event actor.
func (d handlerDeps) operatorSubject(ctx context.Context, authz string) (string, error) {
	token, _ := bearerToken(authz)
	subject, err := d.operator.Check(token)
	if err != nil {
		d.log.Warn("operator check failed",
			zap.String("origin", originFromContext(ctx)),
			zap.Bool("token_present", token != ""),
		)
		return "", err
	}
	return subject, nil
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
