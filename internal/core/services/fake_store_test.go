package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scripthub/licensing/internal/core/domain"
	"github.com/scripthub/licensing/internal/core/ports"
)

type fakeScript struct {
	owner string
	title string
}

type fakeState struct {
	scripts  map[string]fakeScript
	keys     map[string]domain.LicenseKey
	devices  map[string][]domain.KeyDevice
	plans    map[string]domain.UserPlan
	maximums map[string]domain.UserMaximums
}

func (s *fakeState) clone() *fakeState {
	c := &fakeState{
		scripts:  make(map[string]fakeScript, len(s.scripts)),
		keys:     make(map[string]domain.LicenseKey, len(s.keys)),
		devices:  make(map[string][]domain.KeyDevice, len(s.devices)),
		plans:    make(map[string]domain.UserPlan, len(s.plans)),
		maximums: make(map[string]domain.UserMaximums, len(s.maximums)),
	}
	for k, v := range s.scripts {
		c.scripts[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	for k, v := range s.devices {
		c.devices[k] = append([]domain.KeyDevice(nil), v...)
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.maximums {
		c.maximums[k] = v
	}
	return c
}

// fakeStore is an in-memory ports.Store. Transactions are serialized and
// rolled back by restoring a snapshot, which stands in for row locks.
type fakeStore struct {
	mu    sync.Mutex
	state *fakeState

	calls []string
	// failOn makes the named method return the error.
	failOn map[string]error
	// failCreateKeyAt fails the nth CreateKey call (1-based) when > 0.
	failCreateKeyAt int
	createKeyCalls  int
	pingErr         error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state: &fakeState{
			scripts:  map[string]fakeScript{},
			keys:     map[string]domain.LicenseKey{},
			devices:  map[string][]domain.KeyDevice{},
			plans:    map[string]domain.UserPlan{},
			maximums: map[string]domain.UserMaximums{},
		},
		failOn: map[string]error{},
	}
}

func (f *fakeStore) InTx(ctx context.Context, fn func(tx ports.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := f.state.clone()
	if err := fn(&fakeTx{f: f}); err != nil {
		f.state = snapshot
		return err
	}
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) addScript(id, owner, title string) {
	f.state.scripts[id] = fakeScript{owner: owner, title: title}
}

func (f *fakeStore) key(id string) domain.LicenseKey { return f.state.keys[id] }

func (f *fakeStore) devicesOf(keyID string) []domain.KeyDevice {
	return append([]domain.KeyDevice(nil), f.state.devices[keyID]...)
}

func (f *fakeStore) countCalls(name string) int {
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeStore) resetCalls() { f.calls = nil }

type fakeTx struct {
	f *fakeStore
}

func (t *fakeTx) record(name string) error {
	t.f.calls = append(t.f.calls, name)
	return t.f.failOn[name]
}

func (t *fakeTx) withTitle(k domain.LicenseKey) *domain.LicenseKey {
	k.ScriptTitle = t.f.state.scripts[k.ScriptID].title
	return &k
}

func (t *fakeTx) GetScriptOwner(ctx context.Context, scriptID string) (string, error) {
	if err := t.record("GetScriptOwner"); err != nil {
		return "", err
	}
	return t.f.state.scripts[scriptID].owner, nil
}

func (t *fakeTx) CreateKey(ctx context.Context, key *domain.LicenseKey) error {
	if err := t.record("CreateKey"); err != nil {
		return err
	}
	t.f.createKeyCalls++
	if t.f.failCreateKeyAt > 0 && t.f.createKeyCalls == t.f.failCreateKeyAt {
		return errInjected
	}
	for _, k := range t.f.state.keys {
		if k.KeyValue == key.KeyValue {
			return errDuplicate
		}
	}
	t.f.state.keys[key.ID] = *key
	return nil
}

func (t *fakeTx) GetKeyByValueForUpdate(ctx context.Context, keyValue string) (*domain.LicenseKey, error) {
	if err := t.record("GetKeyByValueForUpdate"); err != nil {
		return nil, err
	}
	for _, k := range t.f.state.keys {
		if k.KeyValue == keyValue {
			return t.withTitle(k), nil
		}
	}
	return nil, nil
}

func (t *fakeTx) GetKeyForUpdate(ctx context.Context, keyID string, ownerID string) (*domain.LicenseKey, error) {
	if err := t.record("GetKeyForUpdate"); err != nil {
		return nil, err
	}
	k, ok := t.f.state.keys[keyID]
	if !ok || k.OwnerID != ownerID {
		return nil, nil
	}
	return t.withTitle(k), nil
}

func (t *fakeTx) ListKeys(ctx context.Context, ownerID string, scriptID string) ([]domain.LicenseKey, error) {
	if err := t.record("ListKeys"); err != nil {
		return nil, err
	}
	var out []domain.LicenseKey
	for _, k := range t.f.state.keys {
		if k.OwnerID != ownerID || (scriptID != "" && k.ScriptID != scriptID) {
			continue
		}
		listed := t.withTitle(k)
		listed.DeviceCount = len(t.f.state.devices[k.ID])
		out = append(out, *listed)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *fakeTx) UpdateKeyStatus(ctx context.Context, keyID string, status domain.KeyStatus) error {
	if err := t.record("UpdateKeyStatus"); err != nil {
		return err
	}
	k := t.f.state.keys[keyID]
	k.Status = status
	t.f.state.keys[keyID] = k
	return nil
}

func (t *fakeTx) TouchKey(ctx context.Context, keyID string, status domain.KeyStatus, at time.Time) error {
	if err := t.record("TouchKey"); err != nil {
		return err
	}
	k := t.f.state.keys[keyID]
	k.Status = status
	k.LastActivityAt = &at
	t.f.state.keys[keyID] = k
	return nil
}

func (t *fakeTx) ExpireOverdueKeys(ctx context.Context, now time.Time) (int64, error) {
	if err := t.record("ExpireOverdueKeys"); err != nil {
		return 0, err
	}
	var n int64
	for id, k := range t.f.state.keys {
		if (k.Status == domain.KeyStatusUnused || k.Status == domain.KeyStatusActive) && k.IsExpiredAt(now) {
			k.Status = domain.KeyStatusExpired
			t.f.state.keys[id] = k
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) CountLiveKeys(ctx context.Context, ownerID string) (int, error) {
	if err := t.record("CountLiveKeys"); err != nil {
		return 0, err
	}
	n := 0
	for _, k := range t.f.state.keys {
		if k.OwnerID == ownerID && (k.Status == domain.KeyStatusUnused || k.Status == domain.KeyStatusActive) {
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) ListDevices(ctx context.Context, keyID string) ([]domain.KeyDevice, error) {
	if err := t.record("ListDevices"); err != nil {
		return nil, err
	}
	return append([]domain.KeyDevice(nil), t.f.state.devices[keyID]...), nil
}

func (t *fakeTx) CreateDevice(ctx context.Context, device *domain.KeyDevice) error {
	if err := t.record("CreateDevice"); err != nil {
		return err
	}
	t.f.state.devices[device.KeyID] = append(t.f.state.devices[device.KeyID], *device)
	return nil
}

func (t *fakeTx) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	if err := t.record("TouchDevice"); err != nil {
		return err
	}
	for keyID, devices := range t.f.state.devices {
		for i := range devices {
			if devices[i].ID == deviceID {
				t.f.state.devices[keyID][i].LastSeenAt = at
			}
		}
	}
	return nil
}

func (t *fakeTx) EnsurePlan(ctx context.Context, plan *domain.UserPlan) error {
	if err := t.record("EnsurePlan"); err != nil {
		return err
	}
	if _, ok := t.f.state.plans[plan.UserID]; !ok {
		t.f.state.plans[plan.UserID] = *plan
	}
	return nil
}

func (t *fakeTx) GetPlanForUpdate(ctx context.Context, userID string) (*domain.UserPlan, error) {
	if err := t.record("GetPlanForUpdate"); err != nil {
		return nil, err
	}
	p, ok := t.f.state.plans[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *fakeTx) UpdatePlan(ctx context.Context, plan *domain.UserPlan) error {
	if err := t.record("UpdatePlan"); err != nil {
		return err
	}
	t.f.state.plans[plan.UserID] = *plan
	return nil
}

func (t *fakeTx) EnsureMaximums(ctx context.Context, m *domain.UserMaximums) error {
	if err := t.record("EnsureMaximums"); err != nil {
		return err
	}
	if _, ok := t.f.state.maximums[m.UserID]; !ok {
		t.f.state.maximums[m.UserID] = *m
	}
	return nil
}

func (t *fakeTx) GetMaximumsForUpdate(ctx context.Context, userID string) (*domain.UserMaximums, error) {
	if err := t.record("GetMaximumsForUpdate"); err != nil {
		return nil, err
	}
	m, ok := t.f.state.maximums[userID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (t *fakeTx) UpdateMaximums(ctx context.Context, userID string, u domain.MaximumsUpdate) error {
	if err := t.record("UpdateMaximums"); err != nil {
		return err
	}
	m := t.f.state.maximums[userID]
	if u.MaximumObfuscation != nil {
		m.MaximumObfuscation = *u.MaximumObfuscation
	}
	if u.MaximumKeys != nil {
		m.MaximumKeys = *u.MaximumKeys
	}
	if u.MaximumDeployments != nil {
		m.MaximumDeployments = *u.MaximumDeployments
	}
	if u.MaximumDevicesPerKey != nil {
		m.MaximumDevicesPerKey = *u.MaximumDevicesPerKey
	}
	if u.MaximumsResetAt != nil {
		m.MaximumsResetAt = *u.MaximumsResetAt
	}
	t.f.state.maximums[userID] = m
	return nil
}
