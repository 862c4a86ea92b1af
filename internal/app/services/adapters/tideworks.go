package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/harborsync/harborsync/internal/app/domain/container"
	"github.com/harborsync/harborsync/internal/app/domain/terminal"
	"github.com/harborsync/harborsync/internal/app/services/session"
	"github.com/harborsync/harborsync/pkg/logger"
)

// Tideworks endpoint names overridable per terminal.
const (
	tideworksEndpointLanding = "landing"
	tideworksEndpointLogin   = "login"
	tideworksEndpointSearch  = "search"
	tideworksEndpointDetail  = "detail"
	tideworksEndpointOSRA    = "osra"
)

// Tideworks speaks the Forecast portal family used by the Seattle
// terminals: Spring Security form login, HTML result tables.
type Tideworks struct {
	log *logger.Logger
	// perItemInterval paces PerItemCheck so the portal does not rate
	// limit the detail pages.
	perItemInterval rate.Limit
}

// NewTideworks creates the adapter. interval is the minimum spacing
// between per-item detail fetches; zero means a sensible default.
func NewTideworks(log *logger.Logger, perItemEvery rate.Limit) *Tideworks {
	if log == nil {
		log = logger.NewDefault("tideworks")
	}
	if perItemEvery <= 0 {
		perItemEvery = rate.Limit(2) // two containers per second
	}
	return &Tideworks{log: log, perItemInterval: perItemEvery}
}

func (a *Tideworks) Group() terminal.Group { return terminal.GroupTideworks }

func (a *Tideworks) ProbePath(term terminal.Terminal) string {
	return term.Endpoint(tideworksEndpointSearch, "import/default.do?method=defaultSearch")
}

// Login walks the Spring Security flow: the landing page mints the
// anonymous session cookie, then the credential POST upgrades it. The
// portal answers the POST with a 302; a 200 is the login form served
// again, which means rejection.
func (a *Tideworks) Login(ctx context.Context, st *session.State, term terminal.Terminal) error {
	creds, err := term.ResolveCredentials()
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrCredentials, err)
	}

	landing := term.URL(term.Endpoint(tideworksEndpointLanding, "default.do"))
	if _, _, err := st.Client.Get(ctx, landing, nil); err != nil {
		return fmt.Errorf("landing page: %w", err)
	}

	form := url.Values{}
	form.Set("j_username", creds.Login)
	form.Set("j_password", creds.Password)
	loginURL := term.URL(term.Endpoint(tideworksEndpointLogin, "j_spring_security_check"))
	resp, _, err := st.Client.PostForm(ctx, loginURL, form, true)
	if err != nil {
		return fmt.Errorf("login post: %w", err)
	}
	if resp.StatusCode != http.StatusFound {
		return fmt.Errorf("%w: expected redirect, got %d", session.ErrAuthentication, resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); strings.Contains(loc, "login_error") {
		return fmt.Errorf("%w: portal redirected to login error", session.ErrAuthentication)
	}
	return nil
}

func (a *Tideworks) BulkCheck(ctx context.Context, st *session.State, term terminal.Terminal, numbers []string) ([]container.AvailabilityRecord, error) {
	searchURL := term.URL(term.Endpoint(tideworksEndpointSearch, "import/default.do?method=defaultSearch"))
	return inChunks(ctx, numbers, func(ctx context.Context, chunk []string) ([]container.AvailabilityRecord, error) {
		form := url.Values{}
		form.Set("searchBy", "CTR")
		form.Set("numbers", strings.Join(chunk, "\r\n"))
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
		return a.parseSearchTable(term, body)
	})
}

// parseSearchTable reads the #result table. Column order is stable
// across the family: number, status, size/type, last free day, holds,
// line release, carrier.
func (a *Tideworks) parseSearchTable(term terminal.Terminal, body []byte) ([]container.AvailabilityRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, protocolError("unparseable search page", body)
	}
	rows := doc.Find("#result table tbody tr")
	if rows.Length() == 0 && doc.Find("#result").Length() == 0 {
		return nil, protocolError("no result section", body)
	}

	var out []container.AvailabilityRecord
	rows.Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		cell := func(i int) string {
			return strings.TrimSpace(cells.Eq(i).Text())
		}
		number := normalizeCell(cell(0))
		if !container.ValidNumber(number) {
			return
		}
		status := cell(1)
		// The portal reports unknown numbers as a row, not an error.
		if strings.EqualFold(status, "Not on file") {
			return
		}
		rec := container.AvailabilityRecord{
			Number:   number,
			Terminal: term.Key,
			Origin:   string(terminal.GroupTideworks),
			Status:   status,
		}
		if cells.Length() > 2 {
			rec.ContainerTypeSizeLabel = cell(2)
		}
		if cells.Length() > 3 {
			rec.LastFreeDate = cell(3)
		}
		if cells.Length() > 4 {
			if hold := cell(4); hold != "" && !strings.EqualFold(hold, "none") {
				rec.TerminalHold = "Y"
				rec.TerminalHoldReason = hold
			}
		}
		if cells.Length() > 5 {
			rec.LineReleaseStatus = cell(5)
		}
		if cells.Length() > 6 {
			rec.Carrier = cell(6)
		}
		out = append(out, rec)
	})
	return out, nil
}

// normalizeCell strips the whitespace and trailing check-digit markup
// the portal embeds in number cells.
func normalizeCell(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// PerItemCheck fetches containers one at a time through the detail
// pages, which expose fields the bulk table omits (dwell charges,
// damage fees, customer holds). Two sub-requests run concurrently per
// container; containers themselves are paced by the limiter. Callers
// opt into this explicitly since it is far slower than BulkCheck.
func (a *Tideworks) PerItemCheck(ctx context.Context, st *session.State, term terminal.Terminal, numbers []string) ([]container.AvailabilityRecord, error) {
	limiter := rate.NewLimiter(a.perItemInterval, 1)
	var out []container.AvailabilityRecord
	for _, number := range numbers {
		if err := limiter.Wait(ctx); err != nil {
			return out, err
		}
		rec, found, err := a.checkOne(ctx, st, term, number)
		if err != nil {
			return out, fmt.Errorf("detail %s: %w", number, err)
		}
		if found {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (a *Tideworks) checkOne(ctx context.Context, st *session.State, term terminal.Terminal, number string) (container.AvailabilityRecord, bool, error) {
	detailURL := term.URL(term.Endpoint(tideworksEndpointDetail, "import/details.do")) + "?container=" + url.QueryEscape(number)
	osraURL := term.URL(term.Endpoint(tideworksEndpointOSRA, "osra/default.do")) + "?container=" + url.QueryEscape(number)

	var (
		wg                   sync.WaitGroup
		detailBody, osraBody []byte
		detailErr, osraErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, detailBody, detailErr = st.Client.Get(ctx, detailURL, nil)
	}()
	go func() {
		defer wg.Done()
		_, osraBody, osraErr = st.Client.Get(ctx, osraURL, nil)
	}()
	wg.Wait()

	if detailErr != nil {
		return container.AvailabilityRecord{}, false, detailErr
	}
	if session.Expired(detailBody) {
		return container.AvailabilityRecord{}, false, ErrSessionExpired
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(detailBody)))
	if err != nil {
		return container.AvailabilityRecord{}, false, protocolError("unparseable detail page", detailBody)
	}
	detail := doc.Find("#containerDetail")
	if detail.Length() == 0 {
		// Absent detail section means the container is not on file.
		return container.AvailabilityRecord{}, false, nil
	}

	rec := container.AvailabilityRecord{
		Number:   number,
		Terminal: term.Key,
		Origin:   string(terminal.GroupTideworks),
	}
	detail.Find("tr").Each(func(_ int, row *goquery.Selection) {
		label := strings.TrimSpace(row.Find("th").Text())
		value := strings.TrimSpace(row.Find("td").Text())
		switch strings.ToLower(label) {
		case "status":
			rec.Status = value
		case "status description":
			rec.StatusDesc = value
		case "size/type":
			rec.ContainerTypeSizeLabel = value
		case "last free day":
			rec.LastFreeDate = value
		case "appointment":
			rec.AppointmentDate = value
		case "carrier":
			rec.Carrier = value
		case "customer status":
			rec.CustomerStatus = value
		case "customer hold":
			rec.CustomerHoldReason = value
		case "line release":
			rec.LineReleaseStatus = value
		case "first free":
			rec.LineFirstFree = value
		}
	})

	// The compliance supplement is best effort; its absence never
	// fails the container.
	if osraErr == nil && !session.Expired(osraBody) {
		if osraDoc, err := goquery.NewDocumentFromReader(strings.NewReader(string(osraBody))); err == nil {
			if raw := strings.TrimSpace(osraDoc.Find("#dwell-amount").Text()); raw != "" {
				if amount, err := strconv.ParseFloat(strings.TrimPrefix(raw, "$"), 64); err == nil {
					rec.DwellAmount = amount
				}
			}
			if fee := strings.TrimSpace(osraDoc.Find("#damage-fee").Text()); fee != "" {
				rec.DamageFeeOutstanding = fee
			}
		}
	}
	return rec, true, nil
}
