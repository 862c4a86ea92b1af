package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/harborsync/harborsync/internal/app/domain/container"
	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/services/fetch"
	"github.com/harborsync/harborsync/internal/app/services/session"
	"github.com/harborsync/harborsync/pkg/logger"
)

const (
	etsEndpointLanding = "landing"
	etsEndpointLogin   = "login"
	etsEndpointProbe   = "probe"
	etsEndpointSearch  = "search"
)

// etsVerifyKeyPattern finds the 6-digit anti-automation key embedded
// in the landing page. It must be echoed back with the credentials.
var etsVerifyKeyPattern = regexp.MustCompile(`&verifyKey=(\d{6})`)

// ETS speaks the ETSLink family (Pierce County Terminal): verify-key
// login minting an `_sk` session token, columnar JSON responses.
type ETS struct {
	log *logger.Logger
	// egress resolves the public IP and its country for terminals that
	// reject non-US callers before even serving the login page.
	egress EgressChecker
}

// EgressChecker reports the country the portal will see the caller
// connecting from.
type EgressChecker interface {
	Country(ctx context.Context) (string, error)
}

func NewETS(log *logger.Logger, egress EgressChecker) *ETS {
	if log == nil {
		log = logger.NewDefault("ets")
	}
	if egress == nil {
		egress = &ipinfoEgress{}
	}
	return &ETS{log: log, egress: egress}
}

func (a *ETS) Group() terminal.Group { return terminal.GroupETS }

func (a *ETS) ProbePath(term terminal.Terminal) string {
	return term.Endpoint(etsEndpointProbe, "Default.aspx")
}

func (a *ETS) Login(ctx context.Context, st *session.State, term terminal.Terminal) error {
	creds, err := term.ResolveCredentials()
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrCredentials, err)
	}

	if term.RequireUSEgress {
		country, err := a.egress.Country(ctx)
		if err != nil {
			return fmt.Errorf("egress check: %w", err)
		}
		if country != "US" {
			return fmt.Errorf("%w: portal requires US egress, connecting from %s", session.ErrConfiguration, country)
		}
	}

	landing := term.URL(term.Endpoint(etsEndpointLanding, "Login.aspx"))
	_, body, err := st.Client.Get(ctx, landing, nil)
	if err != nil {
		return fmt.Errorf("landing page: %w", err)
	}
	match := etsVerifyKeyPattern.FindSubmatch(body)
	if match == nil {
		return protocolError("verify key not found", body)
	}

	form := url.Values{}
	form.Set("id", creds.Login)
	form.Set("pw", creds.Password)
	form.Set("verifyKey", string(match[1]))
	loginURL := term.URL(term.Endpoint(etsEndpointLogin, "Login.aspx/Auth"))
	resp, body, err := st.Client.PostForm(ctx, loginURL, form, false)
	if err != nil {
		return fmt.Errorf("login post: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login returned %d", session.ErrAuthentication, resp.StatusCode)
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.Get("success").Bool() {
		return fmt.Errorf("%w: %s", session.ErrAuthentication, parsed.Get("message").String())
	}
	token := parsed.Get("_sk").String()
	if token == "" {
		return protocolError("login response carries no session key", body)
	}
	st.Ext = terminal.ETSExtension{SessionKey: token}
	return nil
}

func (a *ETS) BulkCheck(ctx context.Context, st *session.State, term terminal.Terminal, numbers []string) ([]container.AvailabilityRecord, error) {
	ext, ok := st.Ext.(terminal.ETSExtension)
	if !ok || ext.SessionKey == "" {
		return nil, ErrSessionExpired
	}
	searchURL := term.URL(term.Endpoint(etsEndpointSearch, "ContainerInfo.aspx/GetContainers"))
	return inChunks(ctx, numbers, func(ctx context.Context, chunk []string) ([]container.AvailabilityRecord, error) {
		payload, err := json.Marshal(map[string]any{
			"_sk":        ext.SessionKey,
			"containers": chunk,
		})
		if err != nil {
			return nil, err
		}
		resp, body, err := st.Client.PostJSON(ctx, searchURL, payload)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		if session.Expired(body) {
			return nil, ErrSessionExpired
		}
		if resp.StatusCode != http.StatusOK {
			return nil, protocolError(fmt.Sprintf("search returned %d", resp.StatusCode), body)
		}
		return a.parseColumnar(term, body)
	})
}

// parseColumnar zips the portal's cols/data envelope into records.
func (a *ETS) parseColumnar(term terminal.Terminal, body []byte) ([]container.AvailabilityRecord, error) {
	parsed := gjson.ParseBytes(body)
	if !parsed.Get("success").Bool() {
		return nil, protocolError("search rejected", body)
	}
	cols := parsed.Get("cols").Array()
	if len(cols) == 0 {
		return nil, protocolError("no cols in envelope", body)
	}
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[strings.ToLower(c.String())] = i
	}
	field := func(row []gjson.Result, name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i].String())
	}

	var out []container.AvailabilityRecord
	for _, rawRow := range parsed.Get("data").Array() {
		row := rawRow.Array()
		number := strings.ToUpper(field(row, "cntr"))
		if !container.ValidNumber(number) {
			continue
		}
		status := field(row, "status")
		if strings.EqualFold(status, "not found") {
			continue
		}
		rec := container.AvailabilityRecord{
			Number:                 number,
			Terminal:               term.Key,
			SubTerminal:            field(row, "subterminal"),
			Origin:                 string(terminal.GroupETS),
			Status:                 status,
			StatusDesc:             field(row, "statusdesc"),
			ContainerTypeSizeLabel: field(row, "typesize"),
			LastFreeDate:           field(row, "lastfreeday"),
			AppointmentDate:        field(row, "appt"),
			Carrier:                field(row, "carrier"),
			LineReleaseStatus:      field(row, "linerelease"),
		}
		if hold := field(row, "holdreason"); hold != "" {
			rec.TerminalHold = "Y"
			rec.TerminalHoldReason = hold
		}
		out = append(out, rec)
	}
	return out, nil
}

// ipinfoEgress asks ipify for the public address and ipinfo for its
// country. Only consulted for terminals flagged RequireUSEgress.
type ipinfoEgress struct {
	client *fetch.Client
}

func (e *ipinfoEgress) Country(ctx context.Context) (string, error) {
	if e.client == nil {
		e.client = fetch.New(fetch.Options{})
	}
	resp, body, err := e.client.Get(ctx, "https://api.ipify.org", nil)
	if err != nil {
		return "", fmt.Errorf("resolve public ip: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve public ip: status %d", resp.StatusCode)
	}
	ip := strings.TrimSpace(string(body))

	resp, body, err = e.client.Get(ctx, "https://ipinfo.io/"+url.PathEscape(ip)+"/country", nil)
	if err != nil {
		return "", fmt.Errorf("resolve country: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve country: status %d", resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}
