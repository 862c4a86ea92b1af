package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/harborsync/harborsync/internal/app/domain/container"
	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/services/session"
	"github.com/harborsync/harborsync/pkg/logger"
)

const (
	wutEndpointLogin  = "login"
	wutEndpointSearch = "search"
)

// wutResultPattern extracts the JSON array the portal embeds in a
// script tag instead of serving a JSON response.
var wutResultPattern = regexp.MustCompile(`(?s)var\s+result\s*=\s*(\[.*?\])\s*;`)

// WUT speaks the Washington United Terminals portal: form login, bulk
// results embedded as a script variable in the HTML.
type WUT struct {
	log *logger.Logger
}

func NewWUT(log *logger.Logger) *WUT {
	if log == nil {
		log = logger.NewDefault("wut")
	}
	return &WUT{log: log}
}

func (a *WUT) Group() terminal.Group { return terminal.GroupWUT }

func (a *WUT) ProbePath(term terminal.Terminal) string {
	return term.Endpoint(wutEndpointSearch, "appContainerSearchAction/list.do")
}

func (a *WUT) Login(ctx context.Context, st *session.State, term terminal.Terminal) error {
	creds, err := term.ResolveCredentials()
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrCredentials, err)
	}

	form := url.Values{}
	form.Set("userId", creds.Login)
	form.Set("password", creds.Password)
	loginURL := term.URL(term.Endpoint(wutEndpointLogin, "appAuthAction/login.do"))
	resp, body, err := st.Client.PostForm(ctx, loginURL, form, false)
	if err != nil {
		return fmt.Errorf("login post: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login returned %d", session.ErrAuthentication, resp.StatusCode)
	}
	if session.Expired(body) || strings.Contains(string(body), "loginFail") {
		return fmt.Errorf("%w: portal served the login page again", session.ErrAuthentication)
	}
	return nil
}

func (a *WUT) BulkCheck(ctx context.Context, st *session.State, term terminal.Terminal, numbers []string) ([]container.AvailabilityRecord, error) {
	searchURL := term.URL(term.Endpoint(wutEndpointSearch, "appContainerSearchAction/search.do"))
	return inChunks(ctx, numbers, func(ctx context.Context, chunk []string) ([]container.AvailabilityRecord, error) {
		form := url.Values{}
		form.Set("cntrNos", strings.Join(chunk, ","))
		resp, body, err := st.Client.PostForm(ctx, searchURL, form, false)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		if session.Expired(body) {
			return nil, ErrSessionExpired
		}
		if resp.StatusCode != http.StatusOK {
			return nil, protocolError(fmt.Sprintf("search returned %d", resp.StatusCode), body)
		}
		return a.parseResultScript(term, body)
	})
}

func (a *WUT) parseResultScript(term terminal.Terminal, body []byte) ([]container.AvailabilityRecord, error) {
	match := wutResultPattern.FindSubmatch(body)
	if match == nil {
		return nil, protocolError("result script not found", body)
	}
	parsed := gjson.ParseBytes(match[1])
	if !parsed.IsArray() {
		return nil, protocolError("result is not an array", match[1])
	}

	var out []container.AvailabilityRecord
	for _, row := range parsed.Array() {
		number := strings.ToUpper(strings.TrimSpace(row.Get("cntrNo").String()))
		if !container.ValidNumber(number) {
			continue
		}
		status := row.Get("status").String()
		if strings.EqualFold(status, "not found") {
			continue
		}
		rec := container.AvailabilityRecord{
			Number:                 number,
			Terminal:               term.Key,
			Origin:                 string(terminal.GroupWUT),
			Status:                 status,
			StatusDesc:             row.Get("statusDesc").String(),
			ContainerTypeSize:      row.Get("typeSize").String(),
			ContainerTypeSizeLabel: row.Get("typeSizeLabel").String(),
			LastFreeDate:           row.Get("lastFreeDate").String(),
			AppointmentDate:        row.Get("apptDate").String(),
			Carrier:                row.Get("carrier").String(),
			LineReleaseStatus:      row.Get("lineRelease").String(),
		}
		if hold := row.Get("holdReason").String(); hold != "" {
			rec.TerminalHold = "Y"
			rec.TerminalHoldReason = hold
		}
		out = append(out, rec)
	}
	return out, nil
}
