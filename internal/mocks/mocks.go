// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/confirm"
	"github.com/xkilldash9x/socialdriver/internal/dispatch"
	"github.com/xkilldash9x/socialdriver/internal/session"
)

// -- Batch Collaborators --

// MockDispatcher mocks batch.Dispatcher.
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, s *session.Session, req schemas.ActionRequest) (*dispatch.Result, error) {
	args := m.Called(ctx, s, req)
	res, _ := args.Get(0).(*dispatch.Result)
	return res, args.Error(1)
}

// MockConfirmer mocks batch.Confirmer.
type MockConfirmer struct {
	mock.Mock
}

func (m *MockConfirmer) Confirm(ctx context.Context, s *session.Session, res *dispatch.Result) confirm.Verdict {
	args := m.Called(ctx, s, res)
	return args.Get(0).(confirm.Verdict)
}

// MockAuthenticator mocks batch.Authenticator.
type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) Reauthenticate(ctx context.Context, s *session.Session) (*session.Session, error) {
	args := m.Called(ctx, s)
	fresh, _ := args.Get(0).(*session.Session)
	return fresh, args.Error(1)
}

func (m *MockAuthenticator) Invalidate(s *session.Session, cause error) {
	m.Called(s, cause)
}

// -- Store --

// MockOutcomeStore mocks store.Repository.
type MockOutcomeStore struct {
	mock.Mock
}

func (m *MockOutcomeStore) SaveOutcomes(ctx context.Context, runID, account string, outcomes []schemas.ActionOutcome) error {
	args := m.Called(ctx, runID, account, outcomes)
	return args.Error(0)
}

func (m *MockOutcomeStore) LoadOutcomes(ctx context.Context, account string) ([]schemas.ActionOutcome, error) {
	args := m.Called(ctx, account)
	outcomes, _ := args.Get(0).([]schemas.ActionOutcome)
	return outcomes, args.Error(1)
}

func (m *MockOutcomeStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
