// Package kioskops is the host-facing SDK surface: a single explicit Handle
// wired to the Queue Store, Admission Controller, Sync Engine, Audit Trail,
// and Retention Janitor, rather than package-level globals.
package kioskops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kioskops/edge-sdk/internal/admission"
	"github.com/kioskops/edge-sdk/internal/audit"
	"github.com/kioskops/edge-sdk/internal/config"
	"github.com/kioskops/edge-sdk/internal/crypto"
	"github.com/kioskops/edge-sdk/internal/device"
	"github.com/kioskops/edge-sdk/internal/idempotency"
	"github.com/kioskops/edge-sdk/internal/logging"
	"github.com/kioskops/edge-sdk/internal/retention"
	"github.com/kioskops/edge-sdk/internal/store"
	"github.com/kioskops/edge-sdk/internal/sync"
	"github.com/kioskops/edge-sdk/internal/transport"
)

// SDKVersion is stamped on every outgoing batch request.
const SDKVersion = "kioskops-edge-sdk/0.1.0"

// EnqueueResult is a type alias of internal/admission.EnqueueResult, so the
// SDK's API exposes that internal type directly.
type EnqueueResult = admission.EnqueueResult

// SyncOnceResult mirrors internal/sync.Result at the public surface.
type SyncOnceResult = sync.Result

// Options configures Init. Dir is the device-private storage root under
// which the queue database, audit journals, and device identity file live,
// per spec §6's persisted-layout contract.
type Options struct {
	Dir       string
	Config    config.Config
	Transport transport.Transport
	Auth      transport.AuthProvider
	Logger    *logging.Logger
	Archiver  retention.Archiver
	Signer    audit.Signer
	Clock     func() time.Time
}

// Handle is the SDK's explicit root object; no package-level mutable state
// exists outside the logger façade (internal/logging), per spec §9's design
// note.
type Handle struct {
	cfg    config.Config
	store  *store.Store
	crypto crypto.Provider
	audit  *audit.Journal
	admit  *admission.Controller
	sync   *sync.Engine

	retention  *retention.Janitor
	transport  transport.Transport
	auth       transport.AuthProvider
	identStore *device.Store
	identity   *device.Identity
	logger     *logging.Logger
	clock      func() time.Time

	queueDBPath string
	auditDir    string
}

// Init opens (or creates) all on-device state and returns a ready Handle,
// recovering any IN_FLIGHT rows left over from a prior process per spec §9.
func Init(opts Options) (*Handle, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("kioskops: invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	identStore := &device.Store{Path: filepath.Join(opts.Dir, "identity.json")}
	identity, err := identStore.Load()
	if err != nil {
		return nil, fmt.Errorf("kioskops: loading device identity: %w", err)
	}

	cryptoProvider := crypto.Provider(crypto.Noop{})
	if opts.Config.SecurityPolicy.EncryptQueuePayloads {
		p, err := crypto.NewAESGCMProvider(func() time.Time { return clock() })
		if err != nil {
			return nil, fmt.Errorf("kioskops: initializing crypto provider: %w", err)
		}
		cryptoProvider = p
	}

	st, err := store.Open(filepath.Join(opts.Dir, "queue.db"), func() time.Time { return clock() })
	if err != nil {
		return nil, fmt.Errorf("kioskops: opening queue store: %w", err)
	}

	journal, err := audit.NewJournal(filepath.Join(opts.Dir, "kioskops_audit"), func() time.Time { return clock() }, cryptoProvider, opts.Signer)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("kioskops: opening audit journal: %w", err)
	}

	admit := &admission.Controller{
		Store:  st,
		Crypto: cryptoProvider,
		Idem:   idempotency.Deriver{InstallSecret: identity.InstallSecret},
		Audit:  journal,
		Clock:  func() time.Time { return clock() },
	}

	syncEngine := &sync.Engine{
		Store:      st,
		Crypto:     cryptoProvider,
		Audit:      journal,
		SDKVersion: SDKVersion,
		Clock:      func() time.Time { return clock() },
	}

	archiver := opts.Archiver
	if archiver == nil {
		archiver = retention.NoopArchiver{}
	}
	janitor := &retention.Janitor{
		Store:    st,
		AuditDir: filepath.Join(opts.Dir, "kioskops_audit"),
		LogsDir:  filepath.Join(opts.Dir, "kioskops_logs"),
		Policy:   opts.Config.RetentionPolicy,
		Archiver: archiver,
		Clock:    func() time.Time { return clock() },
	}

	ctx := context.Background()
	if reset, err := st.ResetInFlight(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("kioskops: recovering in-flight rows: %w", err)
	} else if reset > 0 {
		logger.Info("recovered in-flight events", logging.F("count", reset))
	}

	h := &Handle{
		cfg:         opts.Config,
		store:       st,
		crypto:      cryptoProvider,
		audit:       journal,
		admit:       admit,
		sync:        syncEngine,
		retention:   janitor,
		transport:   opts.Transport,
		auth:        opts.Auth,
		identStore:  identStore,
		identity:    identity,
		logger:      logger,
		clock:       clock,
		queueDBPath: filepath.Join(opts.Dir, "queue.db"),
		auditDir:    filepath.Join(opts.Dir, "kioskops_audit"),
	}
	return h, nil
}

// Close releases the queue store's database handle.
func (h *Handle) Close() error { return h.store.Close() }

// Enqueue admits one event into the durable queue, per spec §4.3.
func (h *Handle) Enqueue(ctx context.Context, eventType, jsonPayload, stableEventID string) (EnqueueResult, error) {
	res, err := h.admit.Enqueue(eventType, jsonPayload, stableEventID, h.cfg, newEventID)
	if err != nil {
		h.logger.Error("enqueue failed", logging.F("type", eventType), logging.F("err", err))
		return res, err
	}
	if res.Outcome == admission.OutcomeRejected {
		h.logger.Warn("enqueue rejected", logging.F("type", eventType), logging.F("reason", res.RejectReason))
	}
	return res, nil
}

// SyncOnce runs one claim/transport/apply cycle, per spec §4.5. It is a
// no-op returning zeros if no Transport was configured or sync_policy is
// disabled.
func (h *Handle) SyncOnce(ctx context.Context) (SyncOnceResult, error) {
	if h.transport == nil {
		return SyncOnceResult{}, nil
	}
	res, err := h.sync.SyncOnce(ctx, h.cfg, h.transport, h.auth)
	if err != nil {
		h.logger.Error("sync_once failed", logging.F("err", err))
		return res, err
	}
	h.logger.Info("sync_once complete",
		logging.F("attempted", res.Attempted), logging.F("sent", res.Sent),
		logging.F("transient_failed", res.TransientFailed), logging.F("permanent_failed", res.PermanentFailed),
		logging.F("rejected", res.Rejected))
	return res, nil
}

// CountActive returns the active (non-SENT) event count.
func (h *Handle) CountActive(ctx context.Context) (int, error) {
	count, _, err := h.store.CountActive(ctx)
	return count, err
}

// RecordAudit appends a host-originated audit entry, per spec §6.
func (h *Handle) RecordAudit(name string, fields map[string]string) error {
	return h.audit.Record(name, fields)
}

// ResetDeviceID rotates the device id, keeping the install secret (and hence
// existing idempotency-key derivation) unchanged, per spec §6.
func (h *Handle) ResetDeviceID() (string, error) {
	newID, err := h.identStore.Reset(h.identity)
	if err != nil {
		return "", fmt.Errorf("kioskops: resetting device id: %w", err)
	}
	h.identity.DeviceID = newID
	return newID, nil
}

// RunRetention runs one Retention Janitor pass. A periodic janitor needs a
// caller-reachable entry point just as sync_once needs a scheduler tick.
func (h *Handle) RunRetention(ctx context.Context) (retention.Result, error) {
	return h.retention.Run(ctx)
}

// ExportLocalFiles lists the on-device files an operator could pull for
// diagnostics: the queue database and every file in the audit directory
// (the journal day-files plus the chain_state.json sidecar), per spec §6's
// persisted-layout contract.
func (h *Handle) ExportLocalFiles() ([]string, error) {
	paths := []string{h.queueDBPath}
	entries, err := os.ReadDir(h.auditDir)
	if err != nil {
		if os.IsNotExist(err) {
			return paths, nil
		}
		return nil, fmt.Errorf("kioskops: listing audit directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(h.auditDir, e.Name()))
	}
	return paths, nil
}

func newEventID() string { return uuid.New().String() }
