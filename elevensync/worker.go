package elevensync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voicelink/agentdash_backend/config"
	"github.com/voicelink/agentdash_backend/models"
	"github.com/voicelink/agentdash_backend/utils"
	"github.com/voicelink/agentdash_backend/vault"
)

var tracer = otel.Tracer("elevensync")

var (
	// ErrSyncInProgress rejects a trigger while another run for the same
	// organization/provider is still active. Runs are not queued.
	ErrSyncInProgress = errors.New("a sync for this integration is already running")

	// ErrNoIntegration means the organization never connected this provider.
	ErrNoIntegration = errors.New("no integration configured for this provider")

	// ErrIntegrationNotActive means the integration exists but is INACTIVE or
	// awaiting approval.
	ErrIntegrationNotActive = errors.New("integration is not active")
)

const (
	syncErrCredential = "CREDENTIAL_ERROR"
	syncErrAuth       = "AUTH_ERROR"
	syncErrTransient  = "TRANSIENT_ERROR"
	syncErrPersist    = "PERSIST_ERROR"
)

// providerAPI is what the orchestrator needs from the provider client.
// Tests substitute an in-memory fake.
type providerAPI interface {
	ListConversations(ctx context.Context, cursor string) (conversationPage, error)
	GetConversation(ctx context.Context, externalID string) (*conversationDetail, error)
	AudioURL(externalID string) string
	Verify(ctx context.Context) error
}

// audioFetcher is implemented by clients that can download call audio.
// Archival is optional, so the engine type-asserts instead of widening
// providerAPI.
type audioFetcher interface {
	GetConversationAudio(ctx context.Context, externalID string) ([]byte, string, error)
}

// Engine runs one synchronization pass per trigger: drain the provider's
// conversation listing, drop the already-persisted ones, fetch details in
// bounded batches, normalize transcripts and persist the new records.
type Engine struct {
	store      Store
	vault      *vault.Vault
	logger     *logrus.Logger
	newClient  func(apiKey string) (providerAPI, error)
	batchSize  int
	batchDelay time.Duration

	mu     sync.Mutex
	active map[string]bool
}

func NewEngine(store Store, v *vault.Vault, logger *logrus.Logger) *Engine {
	return &Engine{
		store:  store,
		vault:  v,
		logger: logger,
		newClient: func(apiKey string) (providerAPI, error) {
			c, err := newElevenClient(apiKey)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		batchSize:  intFromEnv("SYNC_WORKERS", 5),
		batchDelay: durationFromEnv("SYNC_BATCH_DELAY_MS", 100*time.Millisecond, time.Millisecond),
		active:     map[string]bool{},
	}
}

// candidate pairs a listed summary with everything the detail stage needs.
type candidate struct {
	externalID string
	summary    conversationSummary
}

type itemOutcome struct {
	externalID string
	skipped    bool
	err        error
	statusCode int
	retryable  bool
}

// Run executes one orchestration pass for an organization/provider pair.
//
// Preflight failures (no integration, inactive integration, credential
// decryption failure, concurrent run) return a nil run and an error. Once
// listing has started, Run always returns the persisted run record; a
// non-nil error alongside it means the listing aborted and the counts are
// partial.
func (e *Engine) Run(ctx context.Context, organizationID, provider, triggeredBy string, parentRunID *uint) (*models.IntegrationSyncRun, error) {
	ctx, span := tracer.Start(ctx, "elevensync.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("organization_id", organizationID),
		attribute.String("provider", provider),
		attribute.String("triggered_by", triggeredBy),
	)

	key := organizationID + "/" + provider
	e.mu.Lock()
	if e.active[key] {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.active[key] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, key)
		e.mu.Unlock()
	}()

	integration, err := e.store.GetIntegration(ctx, organizationID, provider)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoIntegration
	}
	if err != nil {
		return nil, err
	}
	switch integration.Status {
	case models.IntegrationStatusActive, models.IntegrationStatusError:
		// ERROR integrations may retry; success recovers them to ACTIVE.
	default:
		return nil, ErrIntegrationNotActive
	}

	apiKey, err := e.vault.DecryptString(integration.EncryptedApiKey)
	if err != nil {
		config.LogError(e.logger, "elevensync", "Run", "credential decryption", organizationID, err)
		if stErr := e.store.UpdateIntegrationStatus(ctx, organizationID, provider, models.IntegrationStatusError); stErr != nil {
			config.LogError(e.logger, "elevensync", "Run", "mark integration error", organizationID, stErr)
		}
		return nil, err
	}

	client, err := e.newClient(apiKey)
	if err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	run := &models.IntegrationSyncRun{
		OrganizationId: organizationID,
		IntegrationId:  integration.ID,
		Provider:       provider,
		Status:         models.SyncRunStatusRunning,
		TriggeredBy:    triggeredBy,
		ParentRunId:    parentRunID,
		StartedAt:      &started,
	}
	if err := e.store.CreateSyncRun(ctx, run); err != nil {
		return nil, err
	}

	summaries, listErr := e.drainListing(ctx, client)
	run.Listed = len(summaries)
	if listErr != nil {
		config.LogError(e.logger, "elevensync", "Run", "listing aborted", organizationID, listErr)
		e.recordRunError(ctx, run, "", listErr)
		if IsAuthFailure(listErr) {
			if stErr := e.store.UpdateIntegrationStatus(ctx, organizationID, provider, models.IntegrationStatusError); stErr != nil {
				config.LogError(e.logger, "elevensync", "Run", "mark integration error", organizationID, stErr)
			}
		}
		e.finishRun(ctx, run, started, models.SyncRunStatusFailed)
		e.touchIntegration(ctx, organizationID, provider, false)
		return run, listErr
	}

	// The provider answered and the credentials work. An integration parked
	// in ERROR recovers here.
	if integration.Status == models.IntegrationStatusError {
		if stErr := e.store.UpdateIntegrationStatus(ctx, organizationID, provider, models.IntegrationStatusActive); stErr != nil {
			config.LogError(e.logger, "elevensync", "Run", "recover integration", organizationID, stErr)
		}
	}

	candidates := e.dedup(ctx, organizationID, provider, summaries, run)
	run.NewCount = len(candidates)

	agentsByExternalID, err := e.agentIndex(ctx, organizationID, provider)
	if err != nil {
		config.LogError(e.logger, "elevensync", "Run", "load agents", organizationID, err)
		agentsByExternalID = map[string]int{}
	}

	e.fetchAndPersist(ctx, client, organizationID, provider, candidates, agentsByExternalID, run)

	status := models.SyncRunStatusSuccess
	if run.ErrorCount > 0 {
		status = models.SyncRunStatusPartial
	}
	e.finishRun(ctx, run, started, status)
	e.touchIntegration(ctx, organizationID, provider, true)

	e.logger.WithFields(logrus.Fields{
		"organization_id": organizationID,
		"provider":        provider,
		"run_id":          run.ID,
		"listed":          run.Listed,
		"new":             run.NewCount,
		"synced":          run.SyncedCount,
		"skipped":         run.SkippedCount,
		"errors":          run.ErrorCount,
		"duration_ms":     run.DurationMs,
	}).Info("conversation sync finished")

	return run, nil
}

// drainListing walks the cursor until the provider reports no more pages.
// Any page failure aborts the whole listing; partial listings are never
// persisted.
func (e *Engine) drainListing(ctx context.Context, client providerAPI) ([]conversationSummary, error) {
	var all []conversationSummary
	cursor := ""
	for {
		page, err := client.ListConversations(ctx, cursor)
		if err != nil {
			return all, err
		}
		all = append(all, page.Conversations...)
		if !page.HasMore || page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// dedup drops summaries whose external id is already persisted, so known
// conversations never consume detail-fetch quota. Lookup failures count the
// item as errored rather than risking a duplicate insert.
func (e *Engine) dedup(ctx context.Context, organizationID, provider string, summaries []conversationSummary, run *models.IntegrationSyncRun) []candidate {
	candidates := make([]candidate, 0, len(summaries))
	seen := make(map[string]bool, len(summaries))
	for _, s := range summaries {
		externalID := s.externalID()
		if externalID == "" || seen[externalID] {
			run.SkippedCount++
			continue
		}
		seen[externalID] = true

		_, err := e.store.FindConversationByExternalID(ctx, organizationID, provider, externalID)
		if err == nil {
			run.SkippedCount++
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			config.LogError(e.logger, "elevensync", "dedup", "existence check", externalID, err)
			run.ErrorCount++
			e.recordItemError(ctx, run, externalID, syncErrPersist, 0, err.Error(), true)
			continue
		}
		candidates = append(candidates, candidate{externalID: externalID, summary: s})
	}
	return candidates
}

// fetchAndPersist processes candidates in fixed-size batches. Within a batch
// every request runs concurrently and the batch settles before the next one
// starts, so at most batchSize requests are ever in flight. The inter-batch
// delay is a courtesy to the provider, not a correctness requirement.
func (e *Engine) fetchAndPersist(ctx context.Context, client providerAPI, organizationID, provider string, candidates []candidate, agents map[string]int, run *models.IntegrationSyncRun) {
	for start := 0; start < len(candidates); start += e.batchSize {
		end := start + e.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		outcomes := make([]itemOutcome, len(batch))
		var wg sync.WaitGroup
		for i, c := range batch {
			wg.Add(1)
			go func(i int, c candidate) {
				defer wg.Done()
				outcomes[i] = e.syncOne(ctx, client, organizationID, provider, c, agents)
			}(i, c)
		}
		wg.Wait()

		for _, out := range outcomes {
			switch {
			case out.err != nil:
				run.ErrorCount++
				code := syncErrTransient
				if IsAuthFailure(out.err) {
					code = syncErrAuth
				}
				e.recordItemError(ctx, run, out.externalID, code, out.statusCode, out.err.Error(), out.retryable)
			case out.skipped:
				run.SkippedCount++
			default:
				run.SyncedCount++
			}
		}

		if end < len(candidates) && e.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.batchDelay):
			}
		}
	}
}

// syncOne fetches one conversation's detail, normalizes it and persists the
// record. A duplicate-key insert means another worker won the race; the item
// is counted as skipped, not errored.
func (e *Engine) syncOne(ctx context.Context, client providerAPI, organizationID, provider string, c candidate, agents map[string]int) itemOutcome {
	detail, err := client.GetConversation(ctx, c.externalID)
	if err != nil {
		config.LogError(e.logger, "elevensync", "syncOne", "detail fetch", c.externalID, err)
		return itemOutcome{externalID: c.externalID, err: err, statusCode: statusCodeOf(err), retryable: IsRetryable(err)}
	}

	record := e.buildRecord(organizationID, provider, c, detail, agents)
	record.AudioReference = e.resolveAudio(ctx, client, c.externalID, detail)

	if err := e.store.InsertConversationRecord(ctx, record); err != nil {
		if isDuplicateKey(err) {
			return itemOutcome{externalID: c.externalID, skipped: true}
		}
		config.LogError(e.logger, "elevensync", "syncOne", "insert record", c.externalID, err)
		return itemOutcome{externalID: c.externalID, err: fmt.Errorf("persist: %w", err), retryable: true}
	}
	return itemOutcome{externalID: c.externalID}
}

func (e *Engine) buildRecord(organizationID, provider string, c candidate, detail *conversationDetail, agents map[string]int) *models.ConversationRecord {
	messages := NormalizeTranscript(detail.Transcript)

	startUnix := detail.Metadata.StartTimeUnixSecs
	if startUnix == 0 {
		startUnix = c.summary.StartTimeUnixSecs
	}
	var startedAt time.Time
	if startUnix > 0 {
		startedAt = time.Unix(startUnix, 0).UTC()
	}

	duration := detail.Metadata.CallDurationSecs
	if duration == 0 {
		duration = c.summary.CallDurationSecs
	}

	status := detail.Status
	if status == "" {
		status = c.summary.Status
	}

	externalAgentID := detail.AgentID
	if externalAgentID == "" {
		externalAgentID = c.summary.AgentID
	}

	cost := decimal.Zero
	if raw := detail.Metadata.Cost.String(); raw != "" {
		if parsed, err := decimal.NewFromString(raw); err == nil {
			cost = parsed
		}
	}

	record := &models.ConversationRecord{
		OrganizationId:         organizationID,
		Provider:               provider,
		ExternalConversationId: c.externalID,
		AgentId:                agents[externalAgentID],
		ExternalAgentId:        externalAgentID,
		StartedAt:              startedAt,
		DurationSeconds:        duration,
		Status:                 status,
		CostEstimate:           cost,
		MessageCount:           len(messages),
	}
	if err := record.SetTranscript(messages); err != nil {
		config.LogError(e.logger, "elevensync", "buildRecord", "encode transcript", c.externalID, err)
	}
	return record
}

// resolveAudio archives the call audio to object storage when the feature is
// on, otherwise keeps a pointer to the provider's audio endpoint. Archival
// failures degrade to the provider URL; they never fail the item.
func (e *Engine) resolveAudio(ctx context.Context, client providerAPI, externalID string, detail *conversationDetail) string {
	if !detail.HasAudio {
		return ""
	}
	providerURL := client.AudioURL(externalID)
	if !config.AudioArchiveEnabled() {
		return providerURL
	}
	fetcher, ok := client.(audioFetcher)
	if !ok {
		return providerURL
	}

	data, contentType, err := fetcher.GetConversationAudio(ctx, externalID)
	if err != nil {
		config.LogError(e.logger, "elevensync", "resolveAudio", "download audio", externalID, err)
		return providerURL
	}
	objectName := fmt.Sprintf("conversations/%s/audio", externalID)
	stored, err := utils.UploadBytesToGCS(ctx, objectName, contentType, data)
	if err != nil {
		config.LogError(e.logger, "elevensync", "resolveAudio", "archive audio", externalID, err)
		return providerURL
	}
	return stored
}

func (e *Engine) agentIndex(ctx context.Context, organizationID, provider string) (map[string]int, error) {
	agents, err := e.store.GetAgents(ctx, organizationID, provider)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(agents))
	for _, a := range agents {
		index[a.ExternalAgentId] = a.ID
	}
	return index, nil
}

func (e *Engine) finishRun(ctx context.Context, run *models.IntegrationSyncRun, started time.Time, status string) {
	finished := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &finished
	run.DurationMs = finished.Sub(started).Milliseconds()
	if err := e.store.FinishSyncRun(ctx, run); err != nil {
		config.LogError(e.logger, "elevensync", "finishRun", "persist run", run.OrganizationId, err)
	}
}

func (e *Engine) touchIntegration(ctx context.Context, organizationID, provider string, success bool) {
	if err := e.store.TouchIntegrationSync(ctx, organizationID, provider, success); err != nil {
		config.LogError(e.logger, "elevensync", "touchIntegration", "stamp sync time", organizationID, err)
	}
}

// recordRunError persists a run-level failure (listing abort) as a sync
// error row with no external id.
func (e *Engine) recordRunError(ctx context.Context, run *models.IntegrationSyncRun, externalID string, cause error) {
	code := syncErrTransient
	if IsAuthFailure(cause) {
		code = syncErrAuth
	}
	if errors.Is(cause, vault.ErrCredential) {
		code = syncErrCredential
	}
	e.recordItemError(ctx, run, externalID, code, statusCodeOf(cause), cause.Error(), IsRetryable(cause))
}

func (e *Engine) recordItemError(ctx context.Context, run *models.IntegrationSyncRun, externalID, code string, statusCode int, message string, retryable bool) {
	syncErr := &models.IntegrationSyncError{
		SyncRunId:      run.ID,
		OrganizationId: run.OrganizationId,
		ExternalId:     externalID,
		ErrorCode:      code,
		StatusCode:     statusCode,
		Message:        message,
		Retryable:      retryable,
	}
	if err := e.store.CreateSyncError(ctx, syncErr); err != nil {
		config.LogError(e.logger, "elevensync", "recordItemError", "persist sync error", externalID, err)
	}
}
