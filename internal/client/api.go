package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/dkeye/spaces/internal/auth"
	"github.com/dkeye/spaces/internal/domain"
)

// API calls the coordinator's REST surface as one identity.
type API struct {
	base     string
	identity domain.UserID
	http     *http.Client
}

func NewAPI(opts Options) *API {
	opts = opts.withDefaults()
	return &API{
		base:     strings.TrimRight(opts.ServerURL, "/"),
		identity: opts.Identity,
		http:     opts.HTTP,
	}
}

type CreateSpaceRequest struct {
	Title             string                   `json:"title"`
	Topic             string                   `json:"topic,omitempty"`
	SpeakerPermission domain.SpeakerPermission `json:"speakerPermission,omitempty"`
	Invited           []domain.UserID          `json:"invited,omitempty"`
	MaxParticipants   int                      `json:"maxParticipants,omitempty"`
	ScheduledStart    *time.Time               `json:"scheduledStart,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *API) CreateSpace(ctx context.Context, req CreateSpaceRequest) (domain.Space, error) {
	var space domain.Space
	err := a.do(ctx, http.MethodPost, "/api/spaces", req, &space)
	return space, err
}

func (a *API) Follow(ctx context.Context, followee domain.UserID) error {
	return a.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(string(followee))+"/follow", nil, nil)
}

// Token fetches a media grant. It implements media.TokenSource.
func (a *API) Token(ctx context.Context, space domain.SpaceID) (auth.Grant, error) {
	var grant auth.Grant
	err := a.do(ctx, http.MethodPost, "/api/spaces/"+url.PathEscape(string(space))+"/token", nil, &grant)
	return grant, err
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := sonic.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range identityHeader(a.identity) {
		req.Header[k] = v
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var e apiError
		if err := sonic.Unmarshal(data, &e); err != nil || e.Code == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		if kind := domain.FromCode(e.Code); kind != nil {
			return fmt.Errorf("%w: %s", kind, e.Error)
		}
		return errors.New(e.Error)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return sonic.Unmarshal(data, out)
}
