package dispatcher

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/kumomta/kumod-core/framework/buffer"
	"github.com/kumomta/kumod-core/internal/message"
	"github.com/kumomta/kumod-core/internal/smtpconn"
	"github.com/kumomta/kumod-core/internal/throttle"
)

func TestTLSPolicyRequiredAndInsecure(t *testing.T) {
	cases := []struct {
		p            TLSPolicy
		wantRequired bool
		wantInsecure bool
	}{
		{TLSDisabled, false, false},
		{TLSOpportunistic, false, false},
		{TLSOpportunisticInsecure, false, true},
		{TLSRequired, true, false},
		{TLSRequiredInsecure, true, true},
	}
	for _, c := range cases {
		if c.p.required() != c.wantRequired {
			t.Errorf("%v.required() = %v, want %v", c.p, c.p.required(), c.wantRequired)
		}
		if c.p.insecure() != c.wantInsecure {
			t.Errorf("%v.insecure() = %v, want %v", c.p, c.p.insecure(), c.wantInsecure)
		}
	}
}

func TestIsPermanentClassification(t *testing.T) {
	if isPermanent(nil) {
		t.Error("nil should not classify as permanent")
	}
	if isPermanent(errors.New("plain")) {
		t.Error("a plain error with no Permanent() method should not classify as permanent")
	}
	if !isPermanent(permanentErr{errors.New("5xx")}) {
		t.Error("permanentErr should classify as permanent")
	}
}

type fakeAdapter struct {
	connectErr error
	tlsErr     error
	results    map[*message.Message]error
	connErr    error
	closed     bool
}

func (f *fakeAdapter) Connect(ctx context.Context, conn *smtpconn.C, host string, policy TLSPolicy, cfg *tls.Config) (bool, error, error) {
	return false, f.tlsErr, f.connectErr
}

func (f *fakeAdapter) DeliverBatch(ctx context.Context, conn *smtpconn.C, msgs []*message.Message) (map[*message.Message]error, error) {
	return f.results, f.connErr
}

func (f *fakeAdapter) Close(conn *smtpconn.C) { f.closed = true }

type fakePuller struct {
	batches [][]*message.Message
	i       int
}

func (f *fakePuller) PullBatch(ctx context.Context, n int, latency time.Duration) ([]*message.Message, bool) {
	if f.i >= len(f.batches) {
		return nil, false
	}
	b := f.batches[f.i]
	f.i++
	return b, true
}

type fakeDisposer struct {
	delivered, transient, permanent, returned int
}

func (f *fakeDisposer) Delivered(msg *message.Message)                  { f.delivered++ }
func (f *fakeDisposer) TransientFail(msg *message.Message, err error)   { f.transient++ }
func (f *fakeDisposer) PermanentFail(msg *message.Message, err error)   { f.permanent++ }
func (f *fakeDisposer) Returned(msg *message.Message)                   { f.returned++ }

func newMsg(t *testing.T) *message.Message {
	t.Helper()
	return message.New(message.NewID(), "a@example.com", []string{"b@example.org"}, textproto.Header{}, buffer.MemoryBuffer{Slice: []byte("x")})
}

func TestRunDeliversBatchAndRespectsMaxDeliveries(t *testing.T) {
	m1 := newMsg(t)
	adapter := &fakeAdapter{results: map[*message.Message]error{m1: nil}}
	puller := &fakePuller{batches: [][]*message.Message{{m1}}}
	disp := &fakeDisposer{}

	d := &Dispatcher{
		Site:       "test-site",
		Candidates: []string{"mx1.example.com"},
		Config: PathConfig{
			BatchSize:            1,
			MaxDeliveriesPerConn: 1,
		},
		Puller:   puller,
		Disposer: disp,
		Adapter:  adapter,
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if disp.delivered != 1 {
		t.Errorf("expected 1 delivered, got %d", disp.delivered)
	}
	if !adapter.closed {
		t.Error("adapter.Close should have been called")
	}
}

func TestRunRoutesPermanentAndTransientFailures(t *testing.T) {
	m1, m2 := newMsg(t), newMsg(t)
	adapter := &fakeAdapter{results: map[*message.Message]error{
		m1: permanentErr{errors.New("550 no such user")},
		m2: errors.New("temporary"),
	}}
	puller := &fakePuller{batches: [][]*message.Message{{m1, m2}}}
	disp := &fakeDisposer{}

	d := &Dispatcher{
		Site:       "test-site",
		Candidates: []string{"mx1.example.com"},
		Config:     PathConfig{BatchSize: 2},
		Puller:     puller,
		Disposer:   disp,
		Adapter:    adapter,
	}

	_ = d.Run(context.Background())

	if disp.permanent != 1 {
		t.Errorf("expected 1 permanent failure, got %d", disp.permanent)
	}
	if disp.transient != 1 {
		t.Errorf("expected 1 transient failure, got %d", disp.transient)
	}
}

type fakeLeaser struct {
	grant    bool
	acquired int
	released int
}

func (f *fakeLeaser) AcquireLease(ctx context.Context, key string, max int) (func(), bool, error) {
	if !f.grant {
		return nil, false, nil
	}
	f.acquired++
	return func() { f.released++ }, true, nil
}

func TestRunAcquiresAndReleasesAdditionalLeases(t *testing.T) {
	m1 := newMsg(t)
	adapter := &fakeAdapter{results: map[*message.Message]error{m1: nil}}
	puller := &fakePuller{batches: [][]*message.Message{{m1}}}
	disp := &fakeDisposer{}
	leaser := &fakeLeaser{grant: true}

	d := &Dispatcher{
		Site:       "test-site",
		Candidates: []string{"mx1.example.com"},
		Config: PathConfig{
			BatchSize:                  1,
			MaxDeliveriesPerConn:       1,
			AdditionalConnectionLimits: []throttle.LeaseSpec{{Name: "global", Max: 10}},
		},
		Puller:   puller,
		Disposer: disp,
		Adapter:  adapter,
		Leaser:   leaser,
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if leaser.acquired != 1 || leaser.released != 1 {
		t.Errorf("expected exactly one acquire/release pair, got acquired=%d released=%d", leaser.acquired, leaser.released)
	}
}

func TestRunFailsWhenAdditionalLeaseUnavailable(t *testing.T) {
	adapter := &fakeAdapter{}
	puller := &fakePuller{}
	disp := &fakeDisposer{}
	leaser := &fakeLeaser{grant: false}

	d := &Dispatcher{
		Site:       "test-site",
		Candidates: []string{"mx1.example.com"},
		Config: PathConfig{
			AdditionalConnectionLimits: []throttle.LeaseSpec{{Name: "global", Max: 1}},
		},
		Puller:   puller,
		Disposer: disp,
		Adapter:  adapter,
		Leaser:   leaser,
	}

	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected an error when no additional-connection-limit lease is available")
	}
	if !adapter.closed {
		t.Error("the connection should be closed when lease acquisition fails")
	}
}

func TestConnectAnyExhaustsCandidates(t *testing.T) {
	adapter := &fakeAdapter{connectErr: errors.New("connection refused")}
	d := &Dispatcher{
		Site:       "test-site",
		Candidates: []string{"mx1.example.com", "mx2.example.com"},
		Adapter:    adapter,
	}

	_, _, err := d.connectAny(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting all candidates")
	}
}
