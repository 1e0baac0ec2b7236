// Package mocks provides test doubles for the ebay client.
package mocks

import (
	"context"

	ebay "github.com/sells-group/cardflow/pkg/ebay"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// PutInventoryItem provides a mock function with given fields: ctx, sku, item
func (_m *MockClient) PutInventoryItem(ctx context.Context, sku string, item ebay.InventoryItem) error {
	ret := _m.Called(ctx, sku, item)

	if len(ret) == 0 {
		panic("no return value specified for PutInventoryItem")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string, ebay.InventoryItem) error); ok {
		return rf(ctx, sku, item)
	}
	return ret.Error(0)
}

// CreateOffer provides a mock function with given fields: ctx, offer
func (_m *MockClient) CreateOffer(ctx context.Context, offer ebay.Offer) (string, error) {
	ret := _m.Called(ctx, offer)

	if len(ret) == 0 {
		panic("no return value specified for CreateOffer")
	}

	if rf, ok := ret.Get(0).(func(context.Context, ebay.Offer) (string, error)); ok {
		return rf(ctx, offer)
	}
	return ret.String(0), ret.Error(1)
}

// PublishOffer provides a mock function with given fields: ctx, offerID
func (_m *MockClient) PublishOffer(ctx context.Context, offerID string) (string, error) {
	ret := _m.Called(ctx, offerID)

	if len(ret) == 0 {
		panic("no return value specified for PublishOffer")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string) (string, error)); ok {
		return rf(ctx, offerID)
	}
	return ret.String(0), ret.Error(1)
}

// NewMockClient creates a new instance of MockClient. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
