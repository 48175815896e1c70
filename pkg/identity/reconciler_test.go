package identity

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/chainsafe/wallet-reconciler/pkg/app/errors"
	"github.com/chainsafe/wallet-reconciler/pkg/auth"
	"github.com/chainsafe/wallet-reconciler/pkg/signer"
)

const (
	addrA = "0x000000000000000000000000000000000000000A"
	addrB = "0x000000000000000000000000000000000000000B"
)

type fakeLedger struct {
	mu        sync.Mutex
	addresses []string
	err       error
	calls     int
}

func (f *fakeLedger) WalletAddresses(_ context.Context, _ *auth.Session) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.addresses, f.err
}

// gatedLedger blocks WalletAddresses until release is closed.
type gatedLedger struct {
	addresses []string
	entered   chan struct{}
	release   chan struct{}
}

func newGatedLedger(addresses ...string) *gatedLedger {
	return &gatedLedger{addresses: addresses, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedLedger) WalletAddresses(ctx context.Context, _ *auth.Session) ([]string, error) {
	close(g.entered)
	select {
	case <-g.release:
		return g.addresses, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func session() *auth.Session {
	return auth.NewSession("opaque-token", "alice")
}

func TestResolve_BackendOverridesPersisted(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(KeyCanonicalAddress, addrA))
	require.NoError(t, store.Put(KeyCachedBalance, "1.5"))

	r := NewReconciler(&fakeLedger{addresses: []string{addrB}}, store)
	id, err := r.Resolve(context.Background(), session())
	require.NoError(t, err)
	require.NotNil(t, id)

	assert.Equal(t, auth.NormalizeAddress(addrB), id.Address)
	assert.Equal(t, SourceBackend, id.Source)
	assert.True(t, id.Verified)

	persisted, _ := store.Get(KeyCanonicalAddress)
	assert.Equal(t, auth.NormalizeAddress(addrB), persisted)
	balance, _ := store.Get(KeyCachedBalance)
	assert.Empty(t, balance, "balance cached for the old address must be dropped")
}

func TestResolve_EmptyBackendClearsPersisted(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(KeyCanonicalAddress, addrA))
	require.NoError(t, store.Put(KeyCachedBalance, "2"))

	r := NewReconciler(&fakeLedger{addresses: []string{}}, store)
	id, err := r.Resolve(context.Background(), session())
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Nil(t, r.Current())

	persisted, _ := store.Get(KeyCanonicalAddress)
	assert.Empty(t, persisted)
	balance, _ := store.Get(KeyCachedBalance)
	assert.Empty(t, balance)
}

func TestResolve_BackendErrorFailsClosed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(KeyCanonicalAddress, addrA))

	backendErr := apperrors.FromStatus(http.StatusUnauthorized, nil)
	r := NewReconciler(&fakeLedger{err: backendErr}, store)

	id, err := r.Resolve(context.Background(), session())
	require.Error(t, err)
	assert.Nil(t, id)
	assert.True(t, apperrors.Is(err, apperrors.CategoryUnauthorized))

	persisted, _ := store.Get(KeyCanonicalAddress)
	assert.Empty(t, persisted, "a backend failure must not fall back to the cache")
}

func TestResolve_NoSessionUsesPersisted(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(KeyCanonicalAddress, addrA))
	require.NoError(t, store.Put(KeyCachedBalance, "0.25"))
	ledger := &fakeLedger{addresses: []string{addrB}}

	r := NewReconciler(ledger, store)
	id, err := r.Resolve(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, id)

	assert.Equal(t, auth.NormalizeAddress(addrA), id.Address)
	assert.Equal(t, SourcePersisted, id.Source)
	assert.False(t, id.Verified)
	assert.Equal(t, 0, ledger.calls)

	balance, ok := r.Balance()
	assert.True(t, ok)
	assert.Equal(t, "0.25", balance)
}

func TestResolve_NoSessionDropsMalformedPersisted(t *testing.T) {
	for name, persisted := range map[string]string{
		"malformed": "0x1234",
		"missing":   "",
	} {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			if persisted != "" {
				require.NoError(t, store.Put(KeyCanonicalAddress, persisted))
			}
			require.NoError(t, store.Put(KeyCachedBalance, "3"))

			r := NewReconciler(&fakeLedger{}, store)
			id, err := r.Resolve(context.Background(), nil)
			require.NoError(t, err)
			assert.Nil(t, id)

			addr, _ := store.Get(KeyCanonicalAddress)
			assert.Empty(t, addr)
			balance, _ := store.Get(KeyCachedBalance)
			assert.Empty(t, balance, "a balance without a valid address must not survive")
			_, ok := r.Balance()
			assert.False(t, ok)
		})
	}
}

func TestResolve_BackendLookupDoesNotHoldIdentity(t *testing.T) {
	store := NewMemoryStore()
	ledger := newGatedLedger(addrB)
	r := NewReconciler(ledger, store)

	type result struct {
		id  *Identity
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := r.Resolve(context.Background(), session())
		done <- result{id, err}
	}()
	<-ledger.entered

	current := make(chan *Identity, 1)
	go func() { current <- r.Current() }()
	select {
	case id := <-current:
		assert.Nil(t, id)
	case <-time.After(time.Second):
		t.Fatal("Current blocked while the backend lookup was in flight")
	}

	require.NoError(t, r.BeginBinding())
	bound, err := r.CompleteBinding(addrA)
	require.NoError(t, err)

	close(ledger.release)
	res := <-done
	require.NoError(t, res.err)
	require.NotNil(t, res.id)
	assert.Equal(t, bound.Address, res.id.Address, "a lookup started before the binding must not override it")
	assert.Equal(t, SourceSigner, r.Current().Source)

	persisted, _ := store.Get(KeyCanonicalAddress)
	assert.Equal(t, auth.NormalizeAddress(addrA), persisted)
}

func TestResolve_SignerMismatchIsOnlyAWarning(t *testing.T) {
	s := &signer.FuncSigner{
		ActiveAccountFunc: func(context.Context) (string, error) { return addrA, nil },
	}
	r := NewReconciler(&fakeLedger{addresses: []string{addrB}}, NewMemoryStore(), WithSigner(s))

	id, err := r.Resolve(context.Background(), session())
	require.NoError(t, err)
	assert.Equal(t, auth.NormalizeAddress(addrB), id.Address)
	assert.True(t, id.SignerMismatch)
	assert.Equal(t, addrA, id.SignerAccount)

	current := r.Current()
	require.NotNil(t, current)
	assert.True(t, current.SignerMismatch)
}

func TestResolve_SignerMatchIsCaseInsensitive(t *testing.T) {
	lower := "0x00000000000000000000000000000000000000ab"
	s := &signer.FuncSigner{
		ActiveAccountFunc: func(context.Context) (string, error) { return lower, nil },
	}
	r := NewReconciler(&fakeLedger{addresses: []string{"0x00000000000000000000000000000000000000AB"}}, NewMemoryStore(), WithSigner(s))

	id, err := r.Resolve(context.Background(), session())
	require.NoError(t, err)
	assert.False(t, id.SignerMismatch)
}

func TestResolve_SignerErrorIgnored(t *testing.T) {
	s := &signer.FuncSigner{
		ActiveAccountFunc: func(context.Context) (string, error) { return "", signer.ErrNoAccount },
	}
	r := NewReconciler(&fakeLedger{addresses: []string{addrB}}, NewMemoryStore(), WithSigner(s))

	id, err := r.Resolve(context.Background(), session())
	require.NoError(t, err)
	assert.False(t, id.SignerMismatch)
	assert.Empty(t, id.SignerAccount)
}

func TestResolve_SkipsMalformedBackendAddress(t *testing.T) {
	r := NewReconciler(&fakeLedger{addresses: []string{"not-an-address", addrB}}, NewMemoryStore())

	id, err := r.Resolve(context.Background(), session())
	require.NoError(t, err)
	assert.Equal(t, auth.NormalizeAddress(addrB), id.Address)
}

func TestBinding_RefusedWhileConnected(t *testing.T) {
	r := NewReconciler(&fakeLedger{addresses: []string{addrB}}, NewMemoryStore())
	_, err := r.Resolve(context.Background(), session())
	require.NoError(t, err)

	assert.ErrorIs(t, r.BeginBinding(), ErrAlreadyConnected)
}

func TestBinding_Lifecycle(t *testing.T) {
	store := NewMemoryStore()
	r := NewReconciler(&fakeLedger{}, store)

	require.NoError(t, r.BeginBinding())
	assert.ErrorIs(t, r.BeginBinding(), ErrBindingInProgress)

	r.AbortBinding()
	require.NoError(t, r.BeginBinding())

	id, err := r.CompleteBinding(addrA)
	require.NoError(t, err)
	assert.Equal(t, SourceSigner, id.Source)
	assert.True(t, id.Verified)

	persisted, _ := store.Get(KeyCanonicalAddress)
	assert.Equal(t, auth.NormalizeAddress(addrA), persisted)
	assert.ErrorIs(t, r.BeginBinding(), ErrAlreadyConnected)
}

func TestBinding_ConcurrentBeginHasOneWinner(t *testing.T) {
	r := NewReconciler(&fakeLedger{}, NewMemoryStore())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.BeginBinding() == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDisconnect_ClearsEverything(t *testing.T) {
	store := NewMemoryStore()
	r := NewReconciler(&fakeLedger{addresses: []string{addrB}}, store)
	_, err := r.Resolve(context.Background(), session())
	require.NoError(t, err)

	require.NoError(t, r.Disconnect(context.Background()))
	assert.Nil(t, r.Current())
	persisted, _ := store.Get(KeyCanonicalAddress)
	assert.Empty(t, persisted)
}

func TestRefreshBalance(t *testing.T) {
	balances := &signer.FuncSigner{
		BalanceOfFunc: func(_ context.Context, address string) (*big.Int, error) {
			if address != auth.NormalizeAddress(addrB) {
				return nil, errors.New("unexpected address")
			}
			return big.NewInt(1_500_000_000_000_000_000), nil
		},
	}
	store := NewMemoryStore()
	r := NewReconciler(&fakeLedger{addresses: []string{addrB}}, store, WithBalanceReader(balances))

	_, err := r.RefreshBalance(context.Background())
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, err = r.Resolve(context.Background(), session())
	require.NoError(t, err)

	display, err := r.RefreshBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.5", display)

	cached, _ := store.Get(KeyCachedBalance)
	assert.Equal(t, "1.5", cached)
	balance, ok := r.Balance()
	assert.True(t, ok)
	assert.Equal(t, "1.5", balance)
}

func TestRefreshBalance_NoReader(t *testing.T) {
	r := NewReconciler(&fakeLedger{addresses: []string{addrB}}, NewMemoryStore())
	_, err := r.Resolve(context.Background(), session())
	require.NoError(t, err)

	_, err = r.RefreshBalance(context.Background())
	assert.ErrorIs(t, err, ErrNoBalanceReader)
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	store, err := OpenBoltStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(KeyCanonicalAddress, addrA))
	require.NoError(t, store.Put(KeyCachedBalance, "3"))
	require.NoError(t, store.Close())

	store, err = OpenBoltStore(path, nil)
	require.NoError(t, err)
	defer store.Close()

	v, err := store.Get(KeyCanonicalAddress)
	require.NoError(t, err)
	assert.Equal(t, addrA, v)

	require.NoError(t, store.Delete(KeyCanonicalAddress, KeyCachedBalance))
	v, err = store.Get(KeyCachedBalance)
	require.NoError(t, err)
	assert.Empty(t, v)
}
