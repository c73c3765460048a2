package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/codefionn/bizpilot/internal/budget"
	"github.com/codefionn/bizpilot/internal/llm"
	"github.com/codefionn/bizpilot/internal/schema"
	"github.com/codefionn/bizpilot/internal/tools"
)

// statusClientClosed is logged when the caller went away; nothing is sent.
const statusClientClosed = 499

// errorBody is the JSON body of every error response.
type errorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// mapError picks the status and the localized message for err. Internal
// detail is never part of the message; request validation issues are, since
// they describe the caller's own input.
func mapError(err error) (int, errorBody) {
	var (
		validation *schema.ValidationError
		timeout    *budget.TimeoutError
		exceeded   *budget.ExceededError
		network    *llm.NetworkError
		execution  *tools.ExecutionError
		upstream   *llm.UpstreamError
	)

	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosed, errorBody{Error: "Requête annulée."}
	case errors.As(err, &timeout),
		errors.As(err, &exceeded) && exceeded.Timeout(),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorBody{Error: "La réponse a pris trop de temps. Veuillez réessayer."}
	case errors.As(err, &exceeded):
		return http.StatusInternalServerError, errorBody{Error: "Cette demande nécessite trop d'étapes. Essayez de la découper."}
	case errors.As(err, &validation) && validation.Kind == nil:
		body := errorBody{Error: "Requête invalide."}
		for _, issue := range validation.Issues {
			body.Details = append(body.Details, issue.String())
		}
		return http.StatusBadRequest, body
	case errors.Is(err, llm.ErrUnauthorized):
		return http.StatusUnauthorized, errorBody{Error: "Le service d'assistance a refusé l'authentification."}
	case errors.Is(err, llm.ErrRateLimited):
		return http.StatusTooManyRequests, errorBody{Error: "Trop de requêtes. Veuillez réessayer dans un instant."}
	case errors.As(err, &network):
		return http.StatusServiceUnavailable, errorBody{Error: "Le service d'assistance est momentanément injoignable."}
	case errors.As(err, &execution):
		return http.StatusInternalServerError, errorBody{Error: "Une action n'a pas pu être exécutée."}
	case errors.As(err, &upstream):
		return http.StatusInternalServerError, errorBody{Error: "Le service d'assistance a renvoyé une erreur."}
	default:
		return http.StatusInternalServerError, errorBody{Error: "Une erreur interne est survenue."}
	}
}
