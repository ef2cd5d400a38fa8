package server

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/teemow/calfanout/internal/handshake"
	"github.com/teemow/calfanout/internal/link"
	"github.com/teemow/calfanout/internal/logging"
	"github.com/teemow/calfanout/internal/workspace"
)

// Completer finishes an account link from the consent redirect.
type Completer interface {
	Complete(ctx context.Context, state, code string) (*link.Result, error)
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>{{.Title}}</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; }
		.ok { color: #15803d; }
		.failed { color: #b91c1c; }
	</style>
</head>
<body>
	<h1 class="{{if .OK}}ok{{else}}failed{{end}}">{{.Title}}</h1>
	<p>{{.Message}}</p>
	{{if .Email}}<p><strong>Account:</strong> {{.Email}}</p>{{end}}
	<p>You can close this window.</p>
</body>
</html>`))

type callbackView struct {
	OK      bool
	Title   string
	Message string
	Email   string
}

// CallbackHandler serves the OAuth redirect of the link flow.
func CallbackHandler(completer Completer, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if reason := q.Get("error"); reason != "" {
			logger.Info("Consent was not granted", logging.Reason(reason))
			renderCallback(w, http.StatusBadRequest, callbackView{
				Title:   "Account not linked",
				Message: "Access to the calendar was not granted. Start the link again from your workspace if this was a mistake.",
			})
			return
		}

		state, code := q.Get("state"), q.Get("code")
		if state == "" || code == "" {
			renderCallback(w, http.StatusBadRequest, callbackView{
				Title:   "Account not linked",
				Message: "The link request is incomplete.",
			})
			return
		}

		res, err := completer.Complete(r.Context(), state, code)
		if err != nil {
			status, message := callbackFailure(err)
			logger.Warn("Account link failed", slog.Int("status", status), logging.Err(err))
			renderCallback(w, status, callbackView{Title: "Account not linked", Message: message})
			return
		}

		message := "Your calendar is now linked. Events created in the workspace will appear in it."
		if res.Relinked {
			message = "Your calendar was linked again with fresh credentials."
		}
		renderCallback(w, http.StatusOK, callbackView{
			OK:      true,
			Title:   "Account linked",
			Message: message,
			Email:   res.Email,
		})
	}
}

func callbackFailure(err error) (int, string) {
	switch {
	case errors.Is(err, handshake.ErrExpired):
		return http.StatusBadRequest, "This link has expired. Start the link again from your workspace."
	case errors.Is(err, handshake.ErrReplayed):
		return http.StatusBadRequest, "This link was already used."
	case errors.Is(err, handshake.ErrInvalidSignature):
		return http.StatusBadRequest, "This link is not valid."
	case errors.Is(err, link.ErrNoRefreshToken):
		return http.StatusBadRequest, "Offline access was not granted. Start the link again and accept all requested permissions."
	case errors.Is(err, workspace.ErrUnauthorized):
		return http.StatusForbidden, "This workspace is not allowed to link accounts."
	default:
		return http.StatusBadGateway, "Linking failed. Please try again later."
	}
}

func renderCallback(w http.ResponseWriter, status int, view callbackView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = callbackPage.Execute(w, view)
}
