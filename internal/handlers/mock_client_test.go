package handlers

import (
	"context"

	"bracket/internal/broker"

	"github.com/stretchr/testify/mock"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) SubmitBracketOrder(ctx context.Context, symbol, side string, qty, stopPrice, takePrice float64) (broker.BracketIDs, error) {
	args := m.Called(ctx, symbol, side, qty, stopPrice, takePrice)
	return args.Get(0).(broker.BracketIDs), args.Error(1)
}

func (m *mockClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	args := m.Called(ctx, orderID)
	return args.Bool(0), args.Error(1)
}

func (m *mockClient) CancelAllPendingOrders(ctx context.Context, symbol string) (bool, error) {
	args := m.Called(ctx, symbol)
	return args.Bool(0), args.Error(1)
}

func (m *mockClient) ModifyStopOrder(ctx context.Context, orderID string, newPrice float64) (bool, error) {
	args := m.Called(ctx, orderID, newPrice)
	return args.Bool(0), args.Error(1)
}

func (m *mockClient) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.Position), args.Error(1)
}

func (m *mockClient) ClosePosition(ctx context.Context, symbol string) (bool, error) {
	args := m.Called(ctx, symbol)
	return args.Bool(0), args.Error(1)
}

func (m *mockClient) ClosePartial(ctx context.Context, symbol string, qty float64) (bool, error) {
	args := m.Called(ctx, symbol, qty)
	return args.Bool(0), args.Error(1)
}
