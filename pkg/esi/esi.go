package esi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/assetscope/assetscope/pkg/assets"
	"github.com/assetscope/assetscope/pkg/whttp"
)

const (
	DefaultBaseURL = "https://esi.evetech.net/latest"

	// Both name endpoints reject bodies with more than this many ids.
	MaxIDsPerRequest = 1000

	pagesHeader = "X-Pages"
)

// TokenFunc returns a bearer token for the given character. Token refresh is
// handled by whoever supplies the function.
type TokenFunc func(ctx context.Context, characterID int64) (string, error)

// StaticToken returns a TokenFunc that always hands back token.
func StaticToken(token string) TokenFunc {
	return func(context.Context, int64) (string, error) {
		if token == "" {
			return "", assets.ErrAuthExpired
		}
		return token, nil
	}
}

// Config controls how the client talks to ESI.
type Config struct {
	BaseURL    string
	UserAgent  string
	Token      TokenFunc
	RateLimit  float64 // requests per second, <= 0 disables limiting
	RetryMax   int
	Proxy      string
	HTTPClient *retryablehttp.Client
}

// Client implements assets.Source and assets.NameSource against ESI.
type Client struct {
	baseURL   string
	userAgent string
	token     TokenFunc
	limiter *rate.Limiter
	http    *retryablehttp.Client
}

// New builds an ESI client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		var err error
		httpClient, err = whttp.NewClient(whttp.ClientOptions{
			RetryMax: cfg.RetryMax,
			Timeout:  30 * time.Second,
			Proxy:    cfg.Proxy,
		})
		if err != nil {
			return nil, err
		}
	}

	token := cfg.Token
	if token == nil {
		token = StaticToken("")
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Client{baseURL: base, userAgent: cfg.UserAgent, token: token, limiter: limiter, http: httpClient}, nil
}

// AssetsPage fetches one page of an organization's assets.
func (c *Client) AssetsPage(ctx context.Context, orgID, characterID int64, page int) (assets.Page, error) {
	u := fmt.Sprintf("%s/corporations/%d/assets/?page=%d", c.baseURL, orgID, page)
	res, err := c.do(ctx, http.MethodGet, u, characterID, nil)
	if err != nil {
		return assets.Page{}, err
	}

	totalPages := 1
	if v := res.Headers.Get(pagesHeader); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			totalPages = n
		}
	}

	body := res.BodyString()
	if !gjson.Valid(body) || !gjson.Parse(body).IsArray() {
		return assets.Page{}, fmt.Errorf("%w: page %d: unexpected body", assets.ErrNetwork, page)
	}

	var records []assets.AssetRecord
	gjson.Parse(body).ForEach(func(_, v gjson.Result) bool {
		records = append(records, assets.AssetRecord{
			ItemID:       v.Get("item_id").Int(),
			TypeID:       int32(v.Get("type_id").Int()),
			LocationID:   v.Get("location_id").Int(),
			LocationType: v.Get("location_type").Str,
			LocationFlag: v.Get("location_flag").Str,
			Quantity:     v.Get("quantity").Int(),
			IsSingleton:  v.Get("is_singleton").Bool(),
		})
		return true
	})

	return assets.Page{Records: records, TotalPages: totalPages}, nil
}

// Structure fetches a player-owned structure. Callers need docking access,
// so failures here are expected and usually permanent for that structure.
func (c *Client) Structure(ctx context.Context, structureID, characterID int64) (assets.StructureInfo, error) {
	u := fmt.Sprintf("%s/universe/structures/%d/", c.baseURL, structureID)
	res, err := c.do(ctx, http.MethodGet, u, characterID, nil)
	if err != nil {
		return assets.StructureInfo{}, err
	}
	body := res.BodyString()
	name := gjson.Get(body, "name")
	if !name.Exists() {
		return assets.StructureInfo{}, fmt.Errorf("structure %d: missing name", structureID)
	}
	return assets.StructureInfo{
		Name:          name.Str,
		SolarSystemID: gjson.Get(body, "solar_system_id").Int(),
		TypeID:        int32(gjson.Get(body, "type_id").Int()),
	}, nil
}

// Names resolves universe ids (systems, stations, types, alliances...) in one
// unauthenticated call. ESI fails the whole batch if any id is invalid.
func (c *Client) Names(ctx context.Context, ids []int64) (map[int64]string, error) {
	if len(ids) == 0 {
		return map[int64]string{}, nil
	}
	if len(ids) > MaxIDsPerRequest {
		return nil, fmt.Errorf("names: %d ids exceeds batch limit %d", len(ids), MaxIDsPerRequest)
	}
	payload, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	res, err := c.do(ctx, http.MethodPost, c.baseURL+"/universe/names/", 0, payload)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(ids))
	gjson.Parse(res.BodyString()).ForEach(func(_, v gjson.Result) bool {
		out[v.Get("id").Int()] = v.Get("name").Str
		return true
	})
	return out, nil
}

// AssetNames returns the player-given names of singleton items
// (containers, ships). Items without a custom name come back as "None".
func (c *Client) AssetNames(ctx context.Context, orgID, characterID int64, itemIDs []int64) (map[int64]string, error) {
	if len(itemIDs) == 0 {
		return map[int64]string{}, nil
	}
	if len(itemIDs) > MaxIDsPerRequest {
		return nil, fmt.Errorf("asset names: %d ids exceeds batch limit %d", len(itemIDs), MaxIDsPerRequest)
	}
	payload, err := json.Marshal(itemIDs)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/corporations/%d/assets/names/", c.baseURL, orgID)
	res, err := c.do(ctx, http.MethodPost, u, characterID, payload)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(itemIDs))
	gjson.Parse(res.BodyString()).ForEach(func(_, v gjson.Result) bool {
		name := v.Get("name").Str
		if name != "" && name != "None" {
			out[v.Get("item_id").Int()] = name
		}
		return true
	})
	return out, nil
}

// do sends a request and maps transport and status failures onto the
// assets error taxonomy. characterID 0 means an unauthenticated call.
func (c *Client) do(ctx context.Context, method, u string, characterID int64, body []byte) (*whttp.WHTTPRes, error) {
	req := &whttp.WHTTPReq{Method: method, URL: u, Body: body}
	if c.userAgent != "" {
		req.Headers = append(req.Headers, whttp.WHTTPHeader{Name: "User-Agent", Value: c.userAgent})
	}
	if characterID != 0 {
		token, err := c.token(ctx, characterID)
		if err != nil {
			if errors.Is(err, assets.ErrAuthExpired) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", assets.ErrAuthExpired, err)
		}
		req.Headers = append(req.Headers, whttp.WHTTPHeader{Name: "Authorization", Value: "Bearer " + token})
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	res, err := whttp.SendHTTPRequest(ctx, req, c.http)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", assets.ErrNetwork, method, u, err)
	}
	if err := statusError(res); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	return res, nil
}

func statusError(res *whttp.WHTTPRes) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	msg := gjson.Get(res.BodyString(), "error").Str
	if msg == "" {
		msg = res.HTTPTitle
	}
	if msg == "" {
		msg = http.StatusText(res.StatusCode)
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", assets.ErrAuthExpired, msg)
	case res.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(msg), "token"):
		return fmt.Errorf("%w: %s", assets.ErrAuthExpired, msg)
	case res.StatusCode == 420 || res.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", assets.ErrRateLimited, res.StatusCode, msg)
	case res.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", assets.ErrNetwork, res.StatusCode, msg)
	default:
		return &StatusError{StatusCode: res.StatusCode, Message: msg}
	}
}

// StatusError is a non-retryable ESI response such as 403 on a structure
// the character cannot dock at, or 404 on a deleted item.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}
