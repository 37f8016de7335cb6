package services

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, queue string, payload interface{}) error {
	args := m.Called(ctx, queue, payload)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyTransaction(ctx context.Context, n TransactionNotification) {
	m.Called(ctx, n)
}
