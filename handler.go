package bgsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matrix-org/background-sync/crypto"
	"github.com/matrix-org/background-sync/internal"
	"github.com/matrix-org/background-sync/pubsub"
	"github.com/matrix-org/background-sync/resolver"
	"github.com/matrix-org/background-sync/sqlutil"
	"github.com/matrix-org/background-sync/state"
	"github.com/matrix-org/background-sync/sync2"
)

// DefaultResolverTTL is how long an idle device keeps its resolver (and the
// session material it has loaded) alive before it is torn down.
const DefaultResolverTTL = 5 * time.Minute

// resolveTimeout bounds one resolve request end to end. It must exceed
// sync2.SyncTimeout or the bounded retry round could never finish.
const resolveTimeout = 30 * time.Second

// numOneTimeKeys is how many one-time keys a freshly created account mints.
// Peers consume one per olm session they establish with us.
const numOneTimeKeys = 50

type Opts struct {
	// ResolverTTL overrides DefaultResolverTTL.
	ResolverTTL time.Duration
	// AddPrometheusMetrics instruments the handler. Only one handler per
	// process can set this because the metrics are registered globally.
	AddPrometheusMetrics bool
}

// ResolveRequest is the JSON body of POST /_api/v1/resolve. Push payloads
// carry exactly these fields and no access token: credentials are recovered
// from the token store when the request has no Authorization header.
type ResolveRequest struct {
	EventID  string `json:"event_id"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// ResolveResponse is the success body: the resolved event, decrypted if it
// was encrypted on the wire.
type ResolveResponse struct {
	Event json.RawMessage `json:"event"`
}

type jsonError struct {
	Errcode string `json:"errcode"`
	Error   string `json:"error"`
}

func errorResponse(code int, errcode string, err error) util.JSONResponse {
	return util.JSONResponse{
		Code: code,
		JSON: jsonError{Errcode: errcode, Error: err.Error()},
	}
}

// classifyError maps a resolution failure onto an HTTP status and errcode.
// Callers switch on the errcode to decide whether retrying could ever help:
// M_SYNC_FAILED and M_RESOLVER_GONE are transient, the rest are not.
func classifyError(err error) (code int, errcode string) {
	switch {
	case errors.Is(err, internal.ErrNotFound):
		return 404, "M_NOT_FOUND"
	case errors.Is(err, internal.ErrUnknownAlgorithm):
		return 422, "M_UNKNOWN_ALGORITHM"
	case errors.Is(err, internal.ErrKeysUnavailable):
		return 422, "M_KEYS_UNAVAILABLE"
	case errors.Is(err, internal.ErrDecryptionFailed):
		return 422, "M_DECRYPTION_FAILED"
	case errors.Is(err, internal.ErrNetworkFailure):
		return 502, "M_SYNC_FAILED"
	case errors.Is(err, resolver.ErrStopped):
		// Raced with idle teardown; the next request gets a fresh resolver.
		return 503, "M_RESOLVER_GONE"
	case errors.Is(err, context.DeadlineExceeded):
		return 504, "M_TIMEOUT"
	}
	return 500, "M_UNKNOWN"
}

// ResolveHandler is the http.Handler for resolve requests. It owns the map of
// live per-device resolvers plus the delivery goroutine their completion
// callbacks run on.
type ResolveHandler struct {
	V2      sync2.Client
	Storage *state.Storage
	V2Store *sync2.Storage

	bus      pubsub.Listener
	notifier pubsub.Notifier

	// resolvers maps user|device to its live resolver. Reading an entry
	// pushes its expiry out, so a busy device's resolver stays warm. mu
	// serialises get-or-create so two requests for one device cannot race two
	// resolvers (and two workers) into existence.
	mu        sync.Mutex
	resolvers *ttlcache.Cache[string, *resolver.Resolver]

	api http.HandlerFunc

	numResolvers   prometheus.GaugeFunc
	numResolutions *prometheus.CounterVec
}

// Setup builds a ResolveHandler against the destination homeserver and
// postgres database and starts its background goroutines. destHomeserver is
// either an HTTP(S) URL or the path of a unix socket. secret encrypts access
// tokens at rest.
func Setup(destHomeserver, postgresURI, secret string, opts Opts) *ResolveHandler {
	destination := internal.ParseDestination(destHomeserver)
	var transport http.RoundTripper = http.DefaultTransport
	if destination.SocketPath != "" {
		transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", destination.SocketPath)
			},
		}
	}
	v2Client := &sync2.HTTPClient{
		Client: &http.Client{
			Timeout:   sync2.SyncTimeout,
			Transport: otelhttp.NewTransport(transport),
		},
		DestinationServer: destination.BaseURL,
	}
	v2Store := sync2.NewStore(postgresURI, secret)
	store := state.NewStorage(postgresURI)
	return NewResolveHandler(sync2.NewExpiredTokenClient(v2Client, v2Store.TokensTable), store, v2Store, opts)
}

// NewResolveHandler wires a handler from already-built collaborators; tests
// use it to substitute a mock homeserver client or share a database handle.
func NewResolveHandler(v2Client sync2.Client, store *state.Storage, v2Store *sync2.Storage, opts Opts) *ResolveHandler {
	if opts.ResolverTTL == 0 {
		opts.ResolverTTL = DefaultResolverTTL
	}
	bus := pubsub.NewPubSub(50)
	var notifier pubsub.Notifier = bus
	if opts.AddPrometheusMetrics {
		notifier = pubsub.NewPromNotifier(bus, "api")
	}
	h := &ResolveHandler{
		V2:       v2Client,
		Storage:  store,
		V2Store:  v2Store,
		bus:      bus,
		notifier: notifier,
		resolvers: ttlcache.New[string, *resolver.Resolver](
			ttlcache.WithTTL[string, *resolver.Resolver](opts.ResolverTTL),
		),
	}
	h.api = util.MakeJSONAPI(util.NewJSONRequestHandler(h.OnIncomingRequest))
	h.resolvers.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *resolver.Resolver]) {
		item.Value().Stop()
	})
	if opts.AddPrometheusMetrics {
		h.addPrometheusMetrics()
	}
	go func() {
		defer internal.ReportPanicsToSentry()
		h.resolvers.Start()
	}()
	go h.listenResolutions()
	return h
}

// Teardown stops every live resolver and closes the bus and database handles.
func (h *ResolveHandler) Teardown() {
	// DeleteAll runs the eviction callback for each entry, so this stops all
	// resolvers before the bus they publish to goes away.
	h.resolvers.DeleteAll()
	h.resolvers.Stop()
	h.notifier.Close()
	h.Storage.Teardown()
	h.V2Store.Teardown()
	if h.numResolvers != nil {
		prometheus.Unregister(h.numResolvers)
	}
	if h.numResolutions != nil {
		prometheus.Unregister(h.numResolutions)
	}
}

func (h *ResolveHandler) addPrometheusMetrics() {
	h.numResolvers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "bgsync",
		Subsystem: "api",
		Name:      "num_live_resolvers",
		Help:      "Number of per-device resolvers alive in memory.",
	}, func() float64 {
		return float64(h.resolvers.Len())
	})
	h.numResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgsync",
		Subsystem: "api",
		Name:      "num_resolutions",
		Help:      "Number of resolve requests by outcome: ok or the errcode.",
	}, []string{"outcome"})
	prometheus.MustRegister(h.numResolvers)
	prometheus.MustRegister(h.numResolutions)
}

// listenResolutions is the delivery goroutine: every completion callback in
// the process runs here, keeping slow callers off the resolver workers.
func (h *ResolveHandler) listenResolutions() {
	defer internal.ReportPanicsToSentry()
	err := h.bus.Listen(pubsub.ChanResolutions, func(p pubsub.Payload) {
		done, ok := p.(pubsub.ResolutionDone)
		if !ok {
			return
		}
		done.Deliver()
	})
	if err != nil {
		logger.Err(err).Msg("failed to listen for resolution completions")
	}
}

func (h *ResolveHandler) countOutcome(outcome string) {
	if h.numResolutions != nil {
		h.numResolutions.WithLabelValues(outcome).Inc()
	}
}

func (h *ResolveHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	req = req.WithContext(internal.RequestContext(req.Context()))
	h.api(w, req)
}

// Entry point for resolve requests
func (h *ResolveHandler) OnIncomingRequest(req *http.Request) util.JSONResponse {
	if req.Method != "POST" {
		return util.MessageResponse(405, "request method must be POST")
	}
	var body ResolveRequest
	if req.Body != nil {
		defer req.Body.Close()
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return errorResponse(400, "M_NOT_JSON", fmt.Errorf("failed to decode request body: %s", err))
		}
	}
	if body.EventID == "" || body.RoomID == "" {
		return errorResponse(400, "M_MISSING_PARAM", fmt.Errorf("event_id and room_id are required"))
	}
	token, errRes := h.identifyRequest(req, &body)
	if errRes != nil {
		return *errRes
	}
	if (body.UserID != "" && body.UserID != token.UserID) || (body.DeviceID != "" && body.DeviceID != token.DeviceID) {
		return errorResponse(403, "M_FORBIDDEN", fmt.Errorf("access token does not belong to the requested device"))
	}
	internal.SetRequestContextUserID(req.Context(), token.UserID, token.DeviceID)

	r, errRes := h.resolverForToken(req, token)
	if errRes != nil {
		return *errRes
	}
	if err := h.V2Store.TokensTable.MaybeUpdateLastSeen(token, time.Now()); err != nil {
		hlog.FromRequest(req).Warn().Err(err).Msg("failed to update last seen time")
	}

	ctx, cancel := context.WithTimeout(req.Context(), resolveTimeout)
	defer cancel()
	event, err := r.Resolve(ctx, body.EventID, body.RoomID)
	if err != nil {
		code, errcode := classifyError(err)
		h.countOutcome(errcode)
		internal.DecorateLogger(req.Context(), hlog.FromRequest(req).Warn().Err(err)).Msg("resolution failed")
		if code >= 500 {
			internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
		}
		return errorResponse(code, errcode, err)
	}
	eventJSON, err := event.JSON()
	if err != nil {
		h.countOutcome("M_UNKNOWN")
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
		return errorResponse(500, "M_UNKNOWN", fmt.Errorf("failed to render event: %s", err))
	}
	h.countOutcome("ok")
	internal.DecorateLogger(req.Context(), hlog.FromRequest(req).Info()).Msg("resolved event")
	return util.JSONResponse{
		Code: 200,
		JSON: ResolveResponse{Event: eventJSON},
	}
}

// identifyRequest finds the access token this request should sync with.
// Requests relayed from push handlers carry no credentials, so a missing
// Authorization header falls back to the most recently seen stored token for
// the device named in the body. An unknown bearer token is reverse-looked-up
// with /whoami and stored, which is how a device becomes known here at all.
func (h *ResolveHandler) identifyRequest(req *http.Request, body *ResolveRequest) (*sync2.Token, *util.JSONResponse) {
	log := hlog.FromRequest(req)
	ah := req.Header.Get("Authorization")
	if ah == "" {
		if body.UserID == "" || body.DeviceID == "" {
			res := errorResponse(400, "M_MISSING_PARAM", fmt.Errorf("user_id and device_id are required when there is no access token"))
			return nil, &res
		}
		token, err := h.V2Store.TokensTable.TokenForDevice(body.UserID, body.DeviceID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				res := errorResponse(401, "M_UNKNOWN_TOKEN", fmt.Errorf("no stored access token for this device"))
				return nil, &res
			}
			log.Err(err).Msg("failed to load stored token")
			res := errorResponse(500, "M_UNKNOWN", fmt.Errorf("failed to load stored token"))
			return nil, &res
		}
		return token, nil
	}

	accessToken := strings.TrimPrefix(ah, "Bearer ")
	token, err := h.V2Store.TokensTable.Token(accessToken)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Err(err).Msg("failed to look up access token")
		res := errorResponse(500, "M_UNKNOWN", fmt.Errorf("failed to look up access token"))
		return nil, &res
	}
	return h.identifyUnknownToken(req, accessToken)
}

// identifyUnknownToken asks the homeserver who a never-before-seen bearer
// token belongs to and stores it, so later uncredentialed requests for this
// device can sync.
func (h *ResolveHandler) identifyUnknownToken(req *http.Request, accessToken string) (*sync2.Token, *util.JSONResponse) {
	log := hlog.FromRequest(req)
	userID, deviceID, err := h.V2.WhoAmI(accessToken)
	if err != nil {
		if err == sync2.HTTP401 {
			res := errorResponse(401, "M_UNKNOWN_TOKEN", fmt.Errorf("homeserver does not recognise this access token"))
			return nil, &res
		}
		log.Warn().Err(err).Msg("/whoami request failed")
		res := errorResponse(502, "M_UNKNOWN", fmt.Errorf("/whoami request failed: %s", err))
		return nil, &res
	}
	var token *sync2.Token
	err = sqlutil.WithTransaction(h.V2Store.DB, func(txn *sqlx.Tx) error {
		if err := h.V2Store.DevicesTable.InsertDevice(txn, userID, deviceID); err != nil {
			return err
		}
		token, err = h.V2Store.TokensTable.Insert(txn, accessToken, userID, deviceID, time.Now())
		return err
	})
	if err != nil {
		log.Err(err).Str("user", userID).Str("device", deviceID).Msg("failed to store device and token")
		res := errorResponse(500, "M_UNKNOWN", fmt.Errorf("failed to store device and token"))
		return nil, &res
	}
	log.Info().Str("user", userID).Str("device", deviceID).Msg("identified new device")
	return token, nil
}

// resolverForToken returns the live resolver for the token's device, making
// one if the device has none. Creation ensures the device row, sync filter
// and crypto account exist first; the resolver then owns them until idle
// expiry tears it down.
func (h *ResolveHandler) resolverForToken(req *http.Request, token *sync2.Token) (*resolver.Resolver, *util.JSONResponse) {
	key := token.UserID + "|" + token.DeviceID
	h.mu.Lock()
	if item := h.resolvers.Get(key); item != nil {
		h.mu.Unlock()
		return item.Value(), nil
	}
	h.mu.Unlock()

	// The setup below hits the database and possibly the homeserver, so it
	// runs outside the lock. A losing racer just redoes idempotent work.
	if err := h.ensureDeviceAndFilter(req, token); err != nil {
		hlog.FromRequest(req).Err(err).Msg("failed to set up device")
		res := errorResponse(500, "M_UNKNOWN", fmt.Errorf("failed to set up device"))
		return nil, &res
	}
	machine, err := h.loadMachine(token.UserID, token.DeviceID)
	if err != nil {
		hlog.FromRequest(req).Err(err).Msg("failed to load crypto account")
		res := errorResponse(500, "M_UNKNOWN", fmt.Errorf("failed to load crypto account"))
		return nil, &res
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if item := h.resolvers.Get(key); item != nil {
		return item.Value(), nil
	}
	r := resolver.New(token.UserID, token.DeviceID, token.AccessToken, h.V2, machine, h.Storage, h.V2Store, h.notifier)
	h.resolvers.Set(key, r, ttlcache.DefaultTTL)
	hlog.FromRequest(req).Info().Str("user", token.UserID).Str("device", token.DeviceID).Msg("created resolver")
	return r, nil
}

// ensureDeviceAndFilter makes sure the device has a row (which carries the
// sync cursor) and a server-side filter ID. Filter upload failures are
// non-fatal: syncing unfiltered is heavier but correct.
func (h *ResolveHandler) ensureDeviceAndFilter(req *http.Request, token *sync2.Token) error {
	err := sqlutil.WithTransaction(h.V2Store.DB, func(txn *sqlx.Tx) error {
		return h.V2Store.DevicesTable.InsertDevice(txn, token.UserID, token.DeviceID)
	})
	if err != nil {
		return err
	}
	device, err := h.V2Store.DevicesTable.Device(token.UserID, token.DeviceID)
	if err != nil {
		return err
	}
	if device.FilterID != "" {
		return nil
	}
	filterID, err := h.V2.CreateFilter(req.Context(), token.AccessToken, token.UserID)
	if err != nil {
		hlog.FromRequest(req).Warn().Err(err).Msg("failed to upload sync filter, continuing without one")
		return nil
	}
	return h.V2Store.DevicesTable.UpdateDeviceFilter(token.UserID, token.DeviceID, filterID)
}

// loadMachine loads the device's pickled crypto account, creating and storing
// a fresh identity (with a starting batch of one-time keys) on first use, and
// wraps it in a decryption machine backed by the device's session store.
func (h *ResolveHandler) loadMachine(userID, deviceID string) (*crypto.Machine, error) {
	account, err := h.Storage.CryptoAccountsTable.SelectAccount(userID, deviceID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account, err = crypto.NewAccount()
		if err != nil {
			return nil, err
		}
		if err = account.GenerateOneTimeKeys(numOneTimeKeys); err != nil {
			return nil, err
		}
		if err = h.Storage.CryptoAccountsTable.UpsertAccount(userID, deviceID, account); err != nil {
			return nil, err
		}
	}
	return crypto.NewMachine(account, h.Storage.SessionStore(userID, deviceID), userID), nil
}
