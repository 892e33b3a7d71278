package sync2

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/tidwall/gjson"
)

// SyncTimeout bounds the client side of a sync request. The homeserver is
// asked to respond immediately (timeout=0) so this only guards against dead
// connections, not long-polls.
const SyncTimeout = 20 * time.Second

var Version = ""
var HTTP401 error = fmt.Errorf("HTTP 401")

// syncFilter is uploaded once per user, then referenced by ID on every sync.
// Presence is filtered out entirely and room timelines are capped: a
// resolution round only needs the pushed event and any key-distribution
// traffic, not full history.
const syncFilter = `{"presence":{"not_types":["*"]},"room":{"state":{"lazy_load_members":true},"timeline":{"limit":20}}}`

type Client interface {
	// WhoAmI asks the homeserver to lookup the access token using the CSAPI /whoami
	// endpoint. The response must contain a device ID (meaning that we assume the
	// homeserver supports Matrix >= 1.1.)
	WhoAmI(accessToken string) (userID, deviceID string, err error)
	// CreateFilter uploads the sync filter for this user and returns the server-assigned
	// filter ID, which is persisted and passed to subsequent DoSync calls.
	CreateFilter(ctx context.Context, accessToken, userID string) (filterID string, err error)
	DoSync(ctx context.Context, accessToken, since, filterID string) (*SyncResponse, int, error)
}

// HTTPClient performs sync v2 requests against the destination homeserver.
// One client can be shared among many users.
type HTTPClient struct {
	Client            *http.Client
	DestinationServer string
}

// Return sync2.HTTP401 if this request returns 401
func (v *HTTPClient) WhoAmI(accessToken string) (string, string, error) {
	req, err := http.NewRequest("GET", v.DestinationServer+"/_matrix/client/r0/account/whoami", nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", "background-sync-"+Version)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	res, err := v.Client.Do(req)
	if err != nil {
		return "", "", err
	}
	if res.StatusCode != 200 {
		if res.StatusCode == 401 {
			return "", "", HTTP401
		}
		return "", "", fmt.Errorf("/whoami returned HTTP %d", res.StatusCode)
	}
	defer res.Body.Close()
	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return "", "", err
	}
	response := gjson.ParseBytes(body)
	return response.Get("user_id").Str, response.Get("device_id").Str, nil
}

// CreateFilter uploads syncFilter and returns the filter ID the server assigned to it.
func (v *HTTPClient) CreateFilter(ctx context.Context, accessToken, userID string) (string, error) {
	reqURL := v.DestinationServer + "/_matrix/client/r0/user/" + url.PathEscape(userID) + "/filter"
	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, strings.NewReader(syncFilter))
	if err != nil {
		return "", fmt.Errorf("CreateFilter: NewRequest failed: %w", err)
	}
	req.Header.Set("User-Agent", "background-sync-"+Version)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	res, err := v.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("CreateFilter: request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return "", fmt.Errorf("CreateFilter: response returned %s", res.Status)
	}
	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	filterID := gjson.GetBytes(body, "filter_id").Str
	if filterID == "" {
		return "", fmt.Errorf("CreateFilter: response had no filter_id")
	}
	return filterID, nil
}

// DoSync performs a single sync v2 request and returns the response along with
// the HTTP status code, or an error. The server is always asked to respond
// immediately: the caller resolves one event and must not hold the connection
// open waiting for new data.
func (v *HTTPClient) DoSync(ctx context.Context, accessToken, since, filterID string) (*SyncResponse, int, error) {
	syncURL := v.createSyncURL(since, filterID)
	req, err := http.NewRequestWithContext(ctx, "GET", syncURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("DoSync: NewRequest failed: %w", err)
	}
	req.Header.Set("User-Agent", "background-sync-"+Version)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	res, err := v.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("DoSync: request failed: %w", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case 200:
		var svr SyncResponse
		if err := json.NewDecoder(res.Body).Decode(&svr); err != nil {
			return nil, 0, fmt.Errorf("DoSync: response body decode JSON failed: %w", err)
		}
		return &svr, 200, nil
	default:
		return nil, res.StatusCode, fmt.Errorf("DoSync: response returned %s", res.Status)
	}
}

func (v *HTTPClient) createSyncURL(since, filterID string) string {
	qps := "?timeout=0"
	if since != "" {
		qps += "&since=" + url.QueryEscape(since)
	}
	qps += "&set_presence=offline"
	if filterID != "" {
		qps += "&filter=" + url.QueryEscape(filterID)
	}
	return v.DestinationServer + "/_matrix/client/r0/sync" + qps
}

type SyncResponse struct {
	NextBatch   string            `json:"next_batch"`
	AccountData EventsResponse    `json:"account_data"`
	Rooms       SyncRoomsResponse `json:"rooms"`
	ToDevice    struct {
		Events []gomatrixserverlib.SendToDeviceEvent `json:"events"`
	} `json:"to_device"`
	DeviceLists struct {
		Changed []string `json:"changed,omitempty"`
		Left    []string `json:"left,omitempty"`
	} `json:"device_lists"`
	DeviceListsOTKCount          map[string]int `json:"device_one_time_keys_count,omitempty"`
	DeviceUnusedFallbackKeyTypes []string       `json:"device_unused_fallback_key_types,omitempty"`
}

type SyncRoomsResponse struct {
	Join   map[string]SyncV2JoinResponse   `json:"join"`
	Invite map[string]SyncV2InviteResponse `json:"invite"`
	Leave  map[string]SyncV2LeaveResponse  `json:"leave"`
}

// SyncV2JoinResponse represents a /sync response for a room which is under the 'join' key.
type SyncV2JoinResponse struct {
	State       EventsResponse   `json:"state"`
	Timeline    TimelineResponse `json:"timeline"`
	AccountData EventsResponse   `json:"account_data"`
}

type TimelineResponse struct {
	Events    []json.RawMessage `json:"events"`
	Limited   bool              `json:"limited"`
	PrevBatch string            `json:"prev_batch,omitempty"`
}

type EventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

// SyncV2InviteResponse represents a /sync response for a room which is under the 'invite' key.
type SyncV2InviteResponse struct {
	InviteState EventsResponse `json:"invite_state"`
}

// SyncV2LeaveResponse represents a /sync response for a room which is under the 'leave' key.
type SyncV2LeaveResponse struct {
	State    EventsResponse   `json:"state"`
	Timeline TimelineResponse `json:"timeline"`
}
