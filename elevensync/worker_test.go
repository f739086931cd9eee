package elevensync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voicelink/agentdash_backend/models"
	"github.com/voicelink/agentdash_backend/vault"
)

const testOrg = "org_1"

type fakeStore struct {
	mu          sync.Mutex
	integration *models.Integration
	agents      []models.Agent
	records     map[string]*models.ConversationRecord
	runs        []*models.IntegrationSyncRun
	syncErrors  []*models.IntegrationSyncError
	statuses    []string
	insertErr   func(externalID string) error
}

func newFakeStore(integration *models.Integration) *fakeStore {
	return &fakeStore{
		integration: integration,
		records:     map[string]*models.ConversationRecord{},
	}
}

func (s *fakeStore) GetIntegration(_ context.Context, organizationID, provider string) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.integration == nil || s.integration.OrganizationId != organizationID || s.integration.Provider != provider {
		return nil, ErrNotFound
	}
	return s.integration, nil
}

func (s *fakeStore) GetAgents(_ context.Context, _, _ string) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents, nil
}

func (s *fakeStore) FindConversationByExternalID(_ context.Context, _, _, externalID string) (*models.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[externalID]; ok {
		return record, nil
	}
	return nil, ErrNotFound
}

func (s *fakeStore) InsertConversationRecord(_ context.Context, record *models.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		if err := s.insertErr(record.ExternalConversationId); err != nil {
			return err
		}
	}
	if _, ok := s.records[record.ExternalConversationId]; ok {
		return fmt.Errorf("Duplicate entry '%s' for key 'idx_conversation_external'", record.ExternalConversationId)
	}
	s.records[record.ExternalConversationId] = record
	return nil
}

func (s *fakeStore) UpdateIntegrationStatus(_ context.Context, _, _, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	if s.integration != nil {
		s.integration.Status = status
	}
	return nil
}

func (s *fakeStore) TouchIntegrationSync(_ context.Context, _, _ string, _ bool) error {
	return nil
}

func (s *fakeStore) CreateSyncRun(_ context.Context, run *models.IntegrationSyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.ID = uint(len(s.runs) + 1)
	s.runs = append(s.runs, run)
	return nil
}

func (s *fakeStore) FinishSyncRun(_ context.Context, _ *models.IntegrationSyncRun) error {
	return nil
}

func (s *fakeStore) CreateSyncError(_ context.Context, syncErr *models.IntegrationSyncError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncErrors = append(s.syncErrors, syncErr)
	return nil
}

func (s *fakeStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *fakeStore) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *fakeStore) sawStatus(status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.statuses {
		if st == status {
			return true
		}
	}
	return false
}

type fakeProvider struct {
	mu          sync.Mutex
	pages       []conversationPage
	listCalls   int
	listErr     error
	listGate    chan struct{}
	detailCalls map[string]int
	failDetail  map[string]error
	detailDelay time.Duration
	inFlight    int32
	maxInFlight int32
}

func newFakeProvider(externalIDs []string, perPage int) *fakeProvider {
	p := &fakeProvider{detailCalls: map[string]int{}, failDetail: map[string]error{}}
	for start := 0; start < len(externalIDs); start += perPage {
		end := start + perPage
		if end > len(externalIDs) {
			end = len(externalIDs)
		}
		var page conversationPage
		for _, id := range externalIDs[start:end] {
			page.Conversations = append(page.Conversations, conversationSummary{
				ConversationID:    id,
				AgentID:           "ext_agent_1",
				StartTimeUnixSecs: 1700000000,
				CallDurationSecs:  30,
				Status:            "done",
			})
		}
		if end < len(externalIDs) {
			page.HasMore = true
			page.NextCursor = strconv.Itoa(len(p.pages) + 1)
		}
		p.pages = append(p.pages, page)
	}
	if len(p.pages) == 0 {
		p.pages = []conversationPage{{}}
	}
	return p
}

func (p *fakeProvider) ListConversations(_ context.Context, cursor string) (conversationPage, error) {
	if p.listGate != nil {
		<-p.listGate
	}
	p.mu.Lock()
	p.listCalls++
	err := p.listErr
	p.mu.Unlock()
	if err != nil {
		return conversationPage{}, err
	}

	idx := 0
	if cursor != "" {
		idx, _ = strconv.Atoi(cursor)
	}
	if idx >= len(p.pages) {
		return conversationPage{}, nil
	}
	return p.pages[idx], nil
}

func (p *fakeProvider) GetConversation(_ context.Context, externalID string) (*conversationDetail, error) {
	cur := atomic.AddInt32(&p.inFlight, 1)
	for {
		max := atomic.LoadInt32(&p.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&p.maxInFlight, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&p.inFlight, -1)

	if p.detailDelay > 0 {
		time.Sleep(p.detailDelay)
	}

	p.mu.Lock()
	p.detailCalls[externalID]++
	err := p.failDetail[externalID]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &conversationDetail{
		ConversationID: externalID,
		AgentID:        "ext_agent_1",
		Status:         "done",
		Transcript:     json.RawMessage(`[{"role":"agent","message":"hello","time_in_call_secs":0},{"role":"user","message":"hi","time_in_call_secs":2}]`),
		Metadata: conversationMetadata{
			StartTimeUnixSecs: 1700000000,
			CallDurationSecs:  42,
			Cost:              json.Number("0.25"),
		},
		HasAudio: true,
	}, nil
}

func (p *fakeProvider) AudioURL(externalID string) string {
	return "https://provider.test/conversations/" + externalID + "/audio"
}

func (p *fakeProvider) Verify(_ context.Context) error { return nil }

func (p *fakeProvider) totalDetailCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.detailCalls {
		total += n
	}
	return total
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New("test-secret")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v
}

func activeIntegration(t *testing.T, v *vault.Vault, status string) *models.Integration {
	t.Helper()
	blob, err := v.EncryptString("provider-api-key")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	return &models.Integration{
		ID:              1,
		OrganizationId:  testOrg,
		Provider:        models.IntegrationProviderElevenLabs,
		Status:          status,
		EncryptedApiKey: blob,
	}
}

func newTestEngine(t *testing.T, store Store, provider providerAPI, v *vault.Vault) *Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	engine := NewEngine(store, v, logger)
	engine.batchSize = 5
	engine.batchDelay = 0
	engine.newClient = func(string) (providerAPI, error) { return provider, nil }
	return engine
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("conv_%02d", i+1)
	}
	return out
}

func TestRun_SyncsNewConversations(t *testing.T) {
	v := testVault(t)
	store := newFakeStore(activeIntegration(t, v, models.IntegrationStatusActive))
	store.agents = []models.Agent{{ID: 7, OrganizationId: testOrg, Provider: models.IntegrationProviderElevenLabs, ExternalAgentId: "ext_agent_1", Name: "Reception"}}
	provider := newFakeProvider(ids(3), 100)
	engine := newTestEngine(t, store, provider, v)

	run, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Listed != 3 || run.NewCount != 3 || run.SyncedCount != 3 || run.ErrorCount != 0 {
		t.Fatalf("unexpected counts: %+v", run)
	}
	if run.Status != models.SyncRunStatusSuccess {
		t.Fatalf("run status = %q", run.Status)
	}
	if store.recordCount() != 3 {
		t.Fatalf("expected 3 persisted records, got %d", store.recordCount())
	}

	record := store.records["conv_01"]
	if record.AgentId != 7 {
		t.Fatalf("agent not mapped: %+v", record)
	}
	if record.MessageCount != 2 {
		t.Fatalf("message count = %d", record.MessageCount)
	}
	if record.CostEstimate.String() != "0.25" {
		t.Fatalf("cost = %s", record.CostEstimate.String())
	}
	if record.DurationSeconds != 42 {
		t.Fatalf("duration = %d", record.DurationSeconds)
	}
	if record.AudioReference != provider.AudioURL("conv_01") {
		t.Fatalf("audio reference = %q", record.AudioReference)
	}
	messages, err := record.Transcript()
	if err != nil || len(messages) != 2 || messages[0].Role != "agent" {
		t.Fatalf("transcript not persisted: %v %+v", err, messages)
	}
}

func TestRun_SecondRunIsNoOp(t *testing.T) {
	v := testVault(t)
	store := newFakeStore(activeIntegration(t, v, models.IntegrationStatusActive))
	provider := newFakeProvider(ids(5), 100)
	engine := newTestEngine(t, store, provider, v)

	first, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if err != nil || first.SyncedCount != 5 {
		t.Fatalf("first run: %+v %v", first, err)
	}

	second, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.NewCount != 0 || second.SyncedCount != 0 || second.SkippedCount != 5 {
		t.Fatalf("second run should skip everything: %+v", second)
	}
	if store.recordCount() != 5 {
		t.Fatalf("record set changed: %d", store.recordCount())
	}
}

func TestRun_DedupSkipsDetailFetches(t *testing.T) {
	v := testVault(t)
	store := newFakeStore(activeIntegration(t, v, models.IntegrationStatusActive))
	all := ids(10)
	for _, id := range all[:4] {
		store.records[id] = &models.ConversationRecord{OrganizationId: testOrg, ExternalConversationId: id}
	}
	provider := newFakeProvider(all, 100)
	engine := newTestEngine(t, store, provider, v)

	run, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.totalDetailCalls() != 6 {
		t.Fatalf("expected exactly 6 detail fetches, got %d", provider.totalDetailCalls())
	}
	if run.SkippedCount != 4 || run.SyncedCount != 6 {
		t.Fatalf("unexpected counts: %+v", run)
	}
}

func TestRun_ConcurrencyCeiling(t *testing.T) {
	v := testVault(t)
	store := newFakeStore(activeIntegration(t, v, models.IntegrationStatusActive))
	provider := newFakeProvider(ids(20), 100)
	provider.detailDelay = 20 * time.Millisecond
	engine := newTestEngine(t, store, provider, v)

	run, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.SyncedCount != 20 {
		t.Fatalf("synced = %d", run.SyncedCount)
	}
	if max := atomic.LoadInt32(&provider.maxInFlight); max > 5 {
		t.Fatalf("observed %d concurrent detail fetches, ceiling is 5", max)
	}
}

func TestRun_DetailFailuresAreIsolated(t *testing.T) {
	v := testVault(t)
	store := newFakeStore(activeIntegration(t, v, models.IntegrationStatusActive))
	all := ids(10)
	provider := newFakeProvider(all, 100)
	provider.failDetail[all[2]] = &providerError{StatusCode: 500, Op: "get_conversation", Body: "boom", retryable: true}
	provider.failDetail[all[7]] = &providerError{StatusCode: 503, Op: "get_conversation", Body: "unavailable", retryable: true}
	engine := newTestEngine(t, store, provider, v)

	run, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if err != nil {
		t.Fatalf("run must not fail overall: %v", err)
	}
	if run.SyncedCount != 8 || run.ErrorCount != 2 {
		t.Fatalf("expected synced=8 errors=2, got %+v", run)
	}
	if run.Status != models.SyncRunStatusPartial {
		t.Fatalf("run status = %q", run.Status)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.syncErrors) != 2 {
		t.Fatalf("expected 2 recorded errors, got %d", len(store.syncErrors))
	}
	for _, se := range store.syncErrors {
		if se.ErrorCode != syncErrTransient || se.ExternalId == "" || se.StatusCode < 500 {
			t.Fatalf("error row missing context: %+v", se)
		}
	}
}

func TestRun_NoIntegration(t *testing.T) {
	v := testVault(t)
	store := newFakeStore(nil)
	engine := newTestEngine(t, store, newFakeProvider(nil, 100), v)

	_, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if !errors.Is(err, ErrNoIntegration) {
		t.Fatalf("expected ErrNoIntegration, got %v", err)
	}
}

func TestRun_InactiveIntegrationRejected(t *testing.T) {
	v := testVault(t)
	for _, status := range []string{models.IntegrationStatusInactive, models.IntegrationStatusPendingApproval} {
		store := newFakeStore(activeIntegration(t, v, status))
		engine := newTestEngine(t, store, newFakeProvider(ids(1), 100), v)
		_, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
		if !errors.Is(err, ErrIntegrationNotActive) {
			t.Fatalf("status %s: expected ErrIntegrationNotActive, got %v", status, err)
		}
	}
}

func TestRun_CredentialFailureAbortsBeforeNetwork(t *testing.T) {
	v := testVault(t)
	integration := activeIntegration(t, v, models.IntegrationStatusActive)
	integration.EncryptedApiKey = "v1:zz:zz:zz"
	store := newFakeStore(integration)
	provider := newFakeProvider(ids(3), 100)
	engine := newTestEngine(t, store, provider, v)

	run, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if !errors.Is(err, vault.ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
	if run != nil {
		t.Fatalf("no run should be persisted, got %+v", run)
	}
	if !store.sawStatus(models.IntegrationStatusError) {
		t.Fatal("integration should be demoted to ERROR")
	}
	if provider.listCalls != 0 {
		t.Fatalf("no network call expected, got %d list calls", provider.listCalls)
	}
}

func TestRun_ListingAuthFailureMarksIntegrationError(t *testing.T) {
	v := testVault(t)
	store := newFakeStore(activeIntegration(t, v, models.IntegrationStatusActive))
	provider := newFakeProvider(ids(3), 100)
	provider.listErr = &providerError{StatusCode: 401, Op: "list_conversations", Body: "bad key", authFailure: true}
	engine := newTestEngine(t, store, provider, v)

	run, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if err == nil {
		t.Fatal("expected listing failure")
	}
	if run == nil || run.Status != models.SyncRunStatusFailed {
		t.Fatalf("expected a failed run record, got %+v", run)
	}
	if !store.sawStatus(models.IntegrationStatusError) {
		t.Fatal("integration should be demoted to ERROR")
	}
	if store.recordCount() != 0 {
		t.Fatal("nothing may be persisted when listing aborts")
	}
}

func TestRun_SuccessfulListingRecoversErrorIntegration(t *testing.T) {
	v := testVault(t)
	store := newFakeStore(activeIntegration(t, v, models.IntegrationStatusError))
	engine := newTestEngine(t, store, newFakeProvider(ids(2), 100), v)

	run, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !store.sawStatus(models.IntegrationStatusActive) {
		t.Fatal("integration should recover to ACTIVE")
	}
	if run.SyncedCount != 2 {
		t.Fatalf("synced = %d", run.SyncedCount)
	}
}

func TestRun_ConcurrentTriggerRejected(t *testing.T) {
	v := testVault(t)
	store := newFakeStore(activeIntegration(t, v, models.IntegrationStatusActive))
	provider := newFakeProvider(ids(2), 100)
	provider.listGate = make(chan struct{})
	engine := newTestEngine(t, store, provider, v)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for store.runCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		case <-time.After(time.Millisecond):
		}
	}

	_, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}

	close(provider.listGate)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestRun_DuplicateInsertRaceCountsAsSkipped(t *testing.T) {
	v := testVault(t)
	store := newFakeStore(activeIntegration(t, v, models.IntegrationStatusActive))
	store.insertErr = func(externalID string) error {
		if externalID == "conv_02" {
			return fmt.Errorf("Error 1062: Duplicate entry 'conv_02' for key 'idx_conversation_external'")
		}
		return nil
	}
	provider := newFakeProvider(ids(3), 100)
	engine := newTestEngine(t, store, provider, v)

	run, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.SyncedCount != 2 || run.SkippedCount != 1 || run.ErrorCount != 0 {
		t.Fatalf("expected synced=2 skipped=1, got %+v", run)
	}
}

func TestRun_PaginationAggregatesAllPages(t *testing.T) {
	v := testVault(t)
	store := newFakeStore(activeIntegration(t, v, models.IntegrationStatusActive))
	provider := newFakeProvider(ids(9), 3)
	engine := newTestEngine(t, store, provider, v)

	run, err := engine.Run(context.Background(), testOrg, models.IntegrationProviderElevenLabs, models.SyncTriggeredManual, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.listCalls != 3 {
		t.Fatalf("expected 3 list calls, got %d", provider.listCalls)
	}
	if run.Listed != 9 || run.SyncedCount != 9 {
		t.Fatalf("unexpected counts: %+v", run)
	}
}
