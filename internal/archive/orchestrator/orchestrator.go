// Package orchestrator is the sync orchestrator from spec.md §4.6 — the
// part of the system spec.md §1 names as "the core". It owns the cache,
// the accounts, and the single decision loop that turns gateway dispatches
// and REST responses into database writes, grounded on the teacher's
// service/chat.Server/ConnManager pairing: one long-lived registry object
// (here, Orchestrator) that every connection reports events into, rather
// than each connection running its own independent state.
package orchestrator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"archivesync/internal/archive/cache"
	"archivesync/internal/dbwriter"
	"archivesync/internal/errs"
	"archivesync/internal/gateway"
	"archivesync/internal/idgen"
	"archivesync/internal/logging"
	"archivesync/internal/model"
	"archivesync/internal/ratelimit"
	"archivesync/internal/restclient"

	"go.uber.org/zap"
)

const (
	gatewayURL = "wss://gateway.example/v9"
	restBase   = "https://api.example/v9"

	restRateN = 49
	restRateW = time.Second
	sendRateN = 120
	sendRateW = 60 * time.Second
)

// accountRuntime bundles one configured account's live connections with
// its model.Account bookkeeping (registries, op counters).
type accountRuntime struct {
	account *model.Account
	rest    *restclient.Client
	gw      *gateway.Connection
	userID  model.UserID // this account's own user id, learned from READY

	// pendingMemberServer is the server this account currently has an
	// outstanding gateway member request against, or 0 for none (spec.md
	// §4.6 r.3: "one in-flight request per account").
	pendingMemberServer model.ServerID
}

// Options configures one orchestrator run (spec.md §6's CLI surface).
type Options struct {
	Credentials  []string // token strings including kind prefix, one account each
	DB           *dbwriter.Writer
	GuildFilter  map[model.ServerID]struct{} // empty means no filter
	NoSync       bool                        // disables backfill/thread enumeration spawns
	NoReactions  bool                        // disables reaction archival
	HTTPClient   *http.Client
	GatewayURL   string // overridable for tests
	RESTBaseURL  string
}

// Orchestrator is the single decision loop: every mutation to the cache or
// an account registry happens on its goroutine (spec.md §5: "the cache is
// mutated only from the main loop").
type Orchestrator struct {
	opts Options

	cache *cache.Cache
	db    *dbwriter.Writer

	mu           sync.Mutex
	accounts     map[string]*accountRuntime
	everyoneRole map[model.ServerID]model.RoleID

	allReady        bool
	eventCh         chan accountEvent
	sessionLostCh   chan string
	removeAccountCh chan string
	abortCh         chan struct{}
	abortOnce       sync.Once
	shutdownWG      sync.WaitGroup

	// ctx is the run-scoped context every db/REST call issued from the
	// decision loop observes, per spec.md §5's cooperative cancellation.
	ctx context.Context
}

type accountEvent struct {
	accountName string
	event       gateway.Event
}

func New(opts Options) *Orchestrator {
	if opts.GatewayURL == "" {
		opts.GatewayURL = gatewayURL
	}
	if opts.RESTBaseURL == "" {
		opts.RESTBaseURL = restBase
	}
	o := &Orchestrator{
		opts:            opts,
		cache:           cache.New(),
		db:              opts.DB,
		accounts:        make(map[string]*accountRuntime),
		everyoneRole:    make(map[model.ServerID]model.RoleID),
		eventCh:         make(chan accountEvent, 1024),
		sessionLostCh:   make(chan string, 16),
		removeAccountCh: make(chan string, 16),
		abortCh:         make(chan struct{}),
	}
	for i, cred := range opts.Credentials {
		o.addAccount(accountName(i), cred)
	}
	return o
}

func accountName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	if i < len(letters) {
		return string(letters[i])
	}
	return "acct" + string(rune('0'+i))
}

func (o *Orchestrator) addAccount(name, credential string) {
	acc := model.NewAccount(name, credential)
	rt := &accountRuntime{
		account: acc,
		rest: restclient.New(restclient.Options{
			BaseURL:     o.opts.RESTBaseURL,
			Credential:  credential,
			UserAgent:   "archivesync (+https://example.invalid, 1.0)",
			HTTPClient:  o.opts.HTTPClient,
			GlobalLimit: ratelimit.New(restRateN, restRateW),
		}),
	}
	rt.gw = gateway.New(gateway.Options{
		URL:         o.opts.GatewayURL,
		Credential:  credential,
		Compress:    true,
		SendLimiter: ratelimit.New(sendRateN, sendRateW),
		SessionKey:  name,
		OnEvent: func(ev gateway.Event) {
			select {
			case o.eventCh <- accountEvent{accountName: name, event: ev}:
			case <-o.abortCh:
			}
		},
		OnSessionLost: func() {
			o.handleSessionLost(name)
		},
		OnFatal: func(err error) {
			if errs.IsKind(err, errs.KindAuthExpired) {
				logging.Warn("orchestrator: account credential expired", zap.String("account", name), zap.Error(err))
			} else {
				logging.Error("orchestrator: account fatal", zap.String("account", name), zap.Error(err))
			}
			o.requestAccountRemoval(name)
		},
	})
	acc.Gateway = rt.gw
	o.accounts[name] = rt
}

// Run starts every account's gateway connection and drains dispatches on
// the single decision loop until ctx is cancelled (spec.md §4.6 r.1, r.10).
func (o *Orchestrator) Run(ctx context.Context) {
	o.ctx = ctx
	for name, rt := range o.accounts {
		name, rt := name, rt
		o.shutdownWG.Add(1)
		go func() {
			defer o.shutdownWG.Done()
			defer func() {
				if r := recover(); r != nil {
					logging.Error("orchestrator: gateway connection panicked", zap.String("account", name), zap.Error(errs.ErrPanic(r)))
				}
			}()
			rt.gw.Run(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			o.Shutdown()
			return
		case <-o.abortCh:
			return
		case ev := <-o.eventCh:
			o.dispatchSafely(ev.accountName, ev.event)
		case name := <-o.sessionLostCh:
			o.processSessionLost(name)
		case name := <-o.removeAccountCh:
			if o.removeAccount(name); len(o.accounts) == 0 {
				o.Shutdown()
				return
			}
		}
	}
}

// allAccountsReady reports whether every configured account has seen its
// bootstrap server-creates (spec.md §4.6 r.2).
func (o *Orchestrator) allAccountsReady() bool {
	for _, rt := range o.accounts {
		if !rt.account.Ready {
			return false
		}
	}
	return true
}

func (o *Orchestrator) checkAllReady() {
	if o.allReady || !o.allAccountsReady() {
		return
	}
	o.allReady = true
	logging.Info("orchestrator: all accounts ready")
	if !o.opts.NoSync {
		o.runBulkPass()
	}
}

func (o *Orchestrator) inGuildFilter(id model.ServerID) bool {
	if len(o.opts.GuildFilter) == 0 {
		return true
	}
	_, ok := o.opts.GuildFilter[id]
	return ok
}

func (o *Orchestrator) newOpID() int64 {
	return idgen.NextOperationID()
}

// requestAccountRemoval hands an account name needing removal to the
// decision loop (spec.md §7: a 401 REST response or a 4004 gateway close
// disconnects and removes the owning account). Safe to call from any
// goroutine, like handleSessionLost.
func (o *Orchestrator) requestAccountRemoval(accountName string) {
	select {
	case o.removeAccountCh <- accountName:
	case <-o.abortCh:
	}
}

// InFlightOpCount reports the total REST and gateway operations currently
// running across every account. Safe to call from outside the decision
// loop, unlike everything else on Orchestrator — it takes o.mu the same
// way Shutdown does to read the account map.
func (o *Orchestrator) InFlightOpCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, rt := range o.accounts {
		n += rt.account.RESTOps() + rt.account.GatewayOps()
	}
	return n
}

// selectByREST picks the account with the fewest in-flight REST operations
// among candidates, ties broken by iteration order (spec.md §4.6 tie-break).
func selectByREST(candidates []*accountRuntime) *accountRuntime {
	var best *accountRuntime
	for _, rt := range candidates {
		if best == nil || rt.account.RESTOps() < best.account.RESTOps() {
			best = rt
		}
	}
	return best
}

func selectByGateway(candidates []*accountRuntime) *accountRuntime {
	var best *accountRuntime
	for _, rt := range candidates {
		if best == nil || rt.account.GatewayOps() < best.account.GatewayOps() {
			best = rt
		}
	}
	return best
}

func (o *Orchestrator) accountsWithRead(ch *model.Channel) []*accountRuntime {
	names := o.cache.AccountsWithRead(ch)
	out := make([]*accountRuntime, 0, len(names))
	for _, n := range names {
		if rt, ok := o.accounts[n]; ok {
			out = append(out, rt)
		}
	}
	return out
}

func (o *Orchestrator) accountsWithManageThreads(ch *model.Channel) []*accountRuntime {
	names := o.cache.AccountsWithManageThreads(ch)
	out := make([]*accountRuntime, 0, len(names))
	for _, n := range names {
		if rt, ok := o.accounts[n]; ok {
			out = append(out, rt)
		}
	}
	return out
}

