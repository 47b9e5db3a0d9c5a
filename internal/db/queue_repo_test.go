package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"escrownotify/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// messageMockRows implements pgx.Rows for queries returning messageColumns.
type messageMockRows struct {
	data    []messageRowData
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

type messageRowData struct {
	id            string
	event         string
	recipientType string
	phone         string
	variables     []byte
	orderID       *string
	channel       string
	priority      int
	status        string
	retryCount    int
	maxRetries    int
	nextRetryAt   time.Time
	claimedAt     *time.Time
	lastError     *string
	result        []byte
	createdAt     time.Time
	updatedAt     time.Time
	processedAt   *time.Time
}

func (r *messageMockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx <= len(r.data)
}

func (r *messageMockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx-1]
	*dest[0].(*string) = row.id
	*dest[1].(*string) = row.event
	*dest[2].(*string) = row.recipientType
	*dest[3].(*string) = row.phone
	*dest[4].(*[]byte) = row.variables
	*dest[5].(**string) = row.orderID
	*dest[6].(*string) = row.channel
	*dest[7].(*int) = row.priority
	*dest[8].(*string) = row.status
	*dest[9].(*int) = row.retryCount
	*dest[10].(*int) = row.maxRetries
	*dest[11].(*time.Time) = row.nextRetryAt
	*dest[12].(**time.Time) = row.claimedAt
	*dest[13].(**string) = row.lastError
	*dest[14].(*[]byte) = row.result
	*dest[15].(*time.Time) = row.createdAt
	*dest[16].(*time.Time) = row.updatedAt
	*dest[17].(**time.Time) = row.processedAt
	return nil
}

func (r *messageMockRows) Close()                                       { r.closed = true }
func (r *messageMockRows) Err() error                                   { return r.errVal }
func (r *messageMockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *messageMockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *messageMockRows) RawValues() [][]byte                          { return nil }
func (r *messageMockRows) Values() ([]any, error)                       { return nil, nil }
func (r *messageMockRows) Conn() *pgx.Conn                              { return nil }

var repoNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func sampleRow(id string, priority int, createdAt time.Time) messageRowData {
	return messageRowData{
		id:            id,
		event:         "order_placed",
		recipientType: "buyer",
		phone:         "+15550001111",
		variables:     []byte(`{"order_id":"ord-1"}`),
		channel:       "sms",
		priority:      priority,
		status:        "pending",
		maxRetries:    3,
		nextRetryAt:   createdAt,
		createdAt:     createdAt,
		updatedAt:     createdAt,
	}
}

// --- Insert ---

func TestQueueRepository_Insert(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	msg := &types.QueuedMessage{
		ID:               "msg-1",
		Event:            "order_placed",
		RecipientType:    types.RecipientBuyer,
		Phone:            "+15550001111",
		Variables:        map[string]any{"order_id": "ord-1"},
		OrderID:          "ord-1",
		PreferredChannel: types.ChannelSMS,
		Priority:         3,
		Status:           types.StatusPending,
		MaxRetries:       3,
		NextRetryAt:      repoNow,
		CreatedAt:        repoNow,
		UpdatedAt:        repoNow,
	}

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Equal(t, "msg-1", sqlArgs[0])
			assert.Equal(t, "buyer", sqlArgs[2])
			assert.JSONEq(t, `{"order_id":"ord-1"}`, string(sqlArgs[4].([]byte)))
			assert.Equal(t, "pending", sqlArgs[8])
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.Insert(ctx, msg))
	db.AssertExpectations(t)
}

func TestQueueRepository_Insert_NilVariables(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Equal(t, "{}", string(sqlArgs[4].([]byte)), "nil variables stored as empty object")
			assert.Nil(t, sqlArgs[5], "empty order id stored as NULL")
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Insert(ctx, &types.QueuedMessage{
		ID:     "msg-2",
		Event:  "order_placed",
		Phone:  "+15550001111",
		Status: types.StatusPending,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestQueueRepository_Insert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Insert(ctx, &types.QueuedMessage{ID: "msg-3", Event: "e", Phone: "+1"})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

// --- GetByID ---

func TestQueueRepository_GetByID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	orderID := "ord-1"
	lastError := "provider timeout"
	row := sampleRow("msg-1", 3, repoNow)
	row.orderID = &orderID
	row.status = "retry_scheduled"
	row.retryCount = 1
	row.lastError = &lastError

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&messageMockRows{data: []messageRowData{row}}, nil)

	msg, err := repo.GetByID(ctx, "msg-1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, types.StatusRetryScheduled, msg.Status)
	assert.Equal(t, types.RecipientBuyer, msg.RecipientType)
	assert.Equal(t, "ord-1", msg.OrderID)
	assert.Equal(t, "provider timeout", msg.LastError)
	assert.Equal(t, map[string]any{"order_id": "ord-1"}, msg.Variables)
	assert.True(t, msg.ClaimedAt.IsZero())
}

func TestQueueRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&messageMockRows{}, nil)

	msg, err := repo.GetByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

// --- ClaimEligible ---

func TestQueueRepository_ClaimEligible_RestoresOrder(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	// RETURNING may hand rows back in any order; the repository re-sorts.
	rows := &messageMockRows{data: []messageRowData{
		sampleRow("low", 5, repoNow),
		sampleRow("high", 1, repoNow),
		sampleRow("older-low", 5, repoNow.Add(-time.Minute)),
	}}

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	claimed, err := repo.ClaimEligible(ctx, repoNow, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, "high", claimed[0].ID)
	assert.Equal(t, "older-low", claimed[1].ID)
	assert.Equal(t, "low", claimed[2].ID)
}

func TestQueueRepository_ClaimEligible_Empty(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&messageMockRows{}, nil)

	claimed, err := repo.ClaimEligible(ctx, repoNow, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

// --- Status transitions ---

func TestQueueRepository_MarkProcessing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	found, err := repo.MarkProcessing(ctx, "msg-1", repoNow)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestQueueRepository_MarkProcessing_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	found, err := repo.MarkProcessing(ctx, "missing", repoNow)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueueRepository_MarkSent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Equal(t, "msg-1", sqlArgs[0])
			assert.JSONEq(t, `{"provider_message_id":"pm-1"}`, string(sqlArgs[1].([]byte)))
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.MarkSent(ctx, "msg-1", map[string]any{"provider_message_id": "pm-1"}, repoNow)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestQueueRepository_ScheduleRetry_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.ScheduleRetry(ctx, "missing", 1, repoNow.Add(30*time.Second), "timeout", repoNow)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundMessage, appErr.Code)
}

func TestQueueRepository_ResetForRetry(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Equal(t, "msg-1", sqlArgs[0])
			assert.Equal(t, repoNow, sqlArgs[1])
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.ResetForRetry(ctx, "msg-1", repoNow))
	db.AssertExpectations(t)
}

// --- Aggregates ---

type countMockRows struct {
	data   map[string]int
	keys   []string
	idx    int
	closed bool
}

func newCountMockRows(data map[string]int) *countMockRows {
	r := &countMockRows{data: data}
	for k := range data {
		r.keys = append(r.keys, k)
	}
	return r
}

func (r *countMockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx <= len(r.keys)
}

func (r *countMockRows) Scan(dest ...any) error {
	key := r.keys[r.idx-1]
	*dest[0].(*string) = key
	*dest[1].(*int) = r.data[key]
	return nil
}

func (r *countMockRows) Close()                                       { r.closed = true }
func (r *countMockRows) Err() error                                   { return nil }
func (r *countMockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *countMockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *countMockRows) RawValues() [][]byte                          { return nil }
func (r *countMockRows) Values() ([]any, error)                       { return nil, nil }
func (r *countMockRows) Conn() *pgx.Conn                              { return nil }

func TestQueueRepository_CountByStatus(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newCountMockRows(map[string]int{"pending": 4, "sent": 10}), nil)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts[types.StatusPending])
	assert.Equal(t, 10, counts[types.StatusSent])
	_, ok := counts[types.StatusFailed]
	assert.False(t, ok, "absent statuses are left for the queue layer to zero-fill")
}

func TestQueueRepository_ListFailed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int) = 7
			return nil
		}})

	row := sampleRow("msg-1", 5, repoNow)
	row.status = "max_retries_exceeded"
	row.retryCount = 3
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&messageMockRows{data: []messageRowData{row}}, nil)

	messages, total, err := repo.ListFailed(ctx, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, messages, 1)
	assert.Equal(t, types.StatusMaxRetriesExceeded, messages[0].Status)
}

func TestQueueRepository_ListStuck(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQueueRepository(db)
	ctx := context.Background()

	claimedAt := repoNow.Add(-10 * time.Minute)
	row := sampleRow("msg-1", 5, repoNow.Add(-time.Hour))
	row.status = "processing"
	row.claimedAt = &claimedAt

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Equal(t, repoNow.Add(-5*time.Minute), sqlArgs[0], "cutoff is passed through")
		}).
		Return(&messageMockRows{data: []messageRowData{row}}, nil)

	stuck, err := repo.ListStuck(ctx, repoNow.Add(-5*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, claimedAt, stuck[0].ClaimedAt)
	db.AssertExpectations(t)
}
