package temporal

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/satswap/service/db"
	"github.com/brojonat/satswap/service/metrics"
	natspkg "github.com/brojonat/satswap/service/nats"
	"github.com/brojonat/satswap/service/node"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testTxID = "7c1e52f5d4e4070b9e0c8a3d3b07e1e2f8a1a6d2a7e4b4c8d6f1e2a3b4c5d6e7"

// Mock status reader
type MockStatusReader struct {
	mock.Mock
}

func (m *MockStatusReader) CheckStatus(ctx context.Context, txID string) (node.Status, error) {
	args := m.Called(ctx, txID)
	return args.Get(0).(node.Status), args.Error(1)
}

// Mock journal
type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) UpdateBroadcastStatus(ctx context.Context, txID, network, status string, reason *string) error {
	args := m.Called(ctx, txID, network, status, reason)
	return args.Error(0)
}

func (m *MockJournal) GetBroadcast(ctx context.Context, txID, network string) (*db.Broadcast, error) {
	args := m.Called(ctx, txID, network)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Broadcast), args.Error(1)
}

func stringPtr(s string) *string { return &s }

func TestActivities_CheckTransactionStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    node.Status
		err       error
		wantState string
		settled   bool
	}{
		{
			name:      "pending",
			status:    node.Status{TxID: testTxID, State: node.Pending, Detail: "not_indexed"},
			wantState: "pending",
		},
		{
			name:      "confirmed",
			status:    node.Status{TxID: testTxID, State: node.Confirmed, Detail: "success"},
			wantState: "confirmed",
			settled:   true,
		},
		{
			name:      "failed",
			status:    node.Status{TxID: testTxID, State: node.Failed, Detail: "abort_by_response"},
			wantState: "failed",
			settled:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := new(MockStatusReader)
			reader.On("CheckStatus", mock.Anything, testTxID).Return(tt.status, nil)

			activities := NewActivities(reader, nil, nil, nil, slog.Default())
			result, err := activities.CheckTransactionStatus(context.Background(), CheckStatusInput{TxID: testTxID})
			require.NoError(t, err)

			assert.Equal(t, testTxID, result.TxID)
			assert.Equal(t, tt.wantState, result.State)
			assert.Equal(t, tt.status.Detail, result.Detail)
			assert.Equal(t, tt.settled, result.Settled())
			reader.AssertExpectations(t)
		})
	}
}

func TestActivities_CheckTransactionStatus_Errors(t *testing.T) {
	t.Run("node error", func(t *testing.T) {
		reader := new(MockStatusReader)
		reader.On("CheckStatus", mock.Anything, testTxID).Return(node.Status{}, errors.New("connection refused"))

		activities := NewActivities(reader, nil, nil, nil, nil)
		result, err := activities.CheckTransactionStatus(context.Background(), CheckStatusInput{TxID: testTxID})
		assert.Error(t, err)
		assert.Nil(t, result)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("missing txid", func(t *testing.T) {
		reader := new(MockStatusReader)
		activities := NewActivities(reader, nil, nil, nil, nil)
		_, err := activities.CheckTransactionStatus(context.Background(), CheckStatusInput{})
		assert.Error(t, err)
		reader.AssertNotCalled(t, "CheckStatus", mock.Anything, mock.Anything)
	})
}

func TestActivities_CheckTransactionStatus_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	reader := new(MockStatusReader)
	reader.On("CheckStatus", mock.Anything, testTxID).Return(node.Status{TxID: testTxID, State: node.Pending}, nil)

	activities := NewActivities(reader, nil, nil, metrics.NewMetrics(registry), nil)
	for i := 0; i < 2; i++ {
		_, err := activities.CheckTransactionStatus(context.Background(), CheckStatusInput{TxID: testTxID})
		require.NoError(t, err)
	}

	families, err := registry.Gather()
	require.NoError(t, err)
	var polls float64
	for _, f := range families {
		if f.GetName() != "confirmation_polls_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			polls += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, polls)
}

func TestActivities_RecordOutcome(t *testing.T) {
	ctx := context.Background()
	input := RecordOutcomeInput{
		TxID:    testTxID,
		Network: "testnet",
		Sender:  "ST2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKQYAC0RQ",
		State:   "confirmed",
		Detail:  "success",
	}

	t.Run("journal and publish", func(t *testing.T) {
		journal := new(MockJournal)
		journal.On("UpdateBroadcastStatus", mock.Anything, testTxID, "testnet", "confirmed", stringPtr("success")).Return(nil)
		journal.On("GetBroadcast", mock.Anything, testTxID, "testnet").Return(&db.Broadcast{
			TxID:        testTxID,
			Network:     "testnet",
			Sender:      input.Sender,
			Nonce:       8,
			PayloadKind: "contract-call",
			Function:    stringPtr("mark-sold"),
			Status:      "confirmed",
			Reason:      stringPtr("success"),
			CreatedAt:   time.Now().Add(-time.Minute),
		}, nil)
		publisher := natspkg.NewMockPublisher()

		activities := NewActivities(new(MockStatusReader), journal, publisher, nil, nil)
		require.NoError(t, activities.RecordOutcome(ctx, input))

		events := publisher.GetPublishedEventsForSubject("tx.confirmed." + input.Sender)
		require.Len(t, events, 1)
		assert.Equal(t, uint64(8), events[0].Nonce)
		assert.Equal(t, "mark-sold", events[0].Function)
		journal.AssertExpectations(t)
	})

	t.Run("unknown to journal", func(t *testing.T) {
		journal := new(MockJournal)
		journal.On("UpdateBroadcastStatus", mock.Anything, testTxID, "testnet", "confirmed", mock.Anything).Return(db.ErrNotFound)
		publisher := natspkg.NewMockPublisher()

		activities := NewActivities(new(MockStatusReader), journal, publisher, nil, nil)
		require.NoError(t, activities.RecordOutcome(ctx, input))

		events := publisher.GetPublishedEvents()
		require.Len(t, events, 1)
		assert.Equal(t, input.Sender, events[0].Sender)
		assert.Equal(t, "success", events[0].Reason)
		journal.AssertNotCalled(t, "GetBroadcast", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("journal error is returned", func(t *testing.T) {
		journal := new(MockJournal)
		journal.On("UpdateBroadcastStatus", mock.Anything, testTxID, "testnet", "confirmed", mock.Anything).Return(errors.New("db down"))
		publisher := natspkg.NewMockPublisher()

		activities := NewActivities(new(MockStatusReader), journal, publisher, nil, nil)
		err := activities.RecordOutcome(ctx, input)
		assert.Error(t, err)
		assert.Empty(t, publisher.GetPublishedEvents())
	})

	t.Run("publish failure is swallowed", func(t *testing.T) {
		publisher := natspkg.NewMockPublisher()
		publisher.SetPublishError(errors.New("nats down"))

		activities := NewActivities(new(MockStatusReader), nil, publisher, nil, nil)
		assert.NoError(t, activities.RecordOutcome(ctx, input))
	})

	t.Run("no observers", func(t *testing.T) {
		activities := NewActivities(new(MockStatusReader), nil, nil, nil, nil)
		assert.NoError(t, activities.RecordOutcome(ctx, input))
	})
}
