package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Repositories struct holds all repository instances
type Repositories struct {
	BillingRecord BillingRecordRepository
	Subscription  SubscriptionRepository
	WebhookEvent  WebhookEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		BillingRecord: NewBillingRecordRepository(db),
		Subscription:  NewSubscriptionRepository(db),
		WebhookEvent:  NewWebhookEventRepository(db),
	}
}

// NewMemoryRepositories creates repositories that keep everything in process memory
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		BillingRecord: NewMemoryBillingRecordRepository(),
		Subscription:  NewMemorySubscriptionRepository(),
		WebhookEvent:  NewMemoryWebhookEventRepository(),
	}
}

// Factory manages repository instances and ensures they are singletons
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

// NewFactory creates a new repository factory. A nil db selects the in-memory repositories.
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{
		db: db,
	}
}

// GetRepositories returns a singleton instance of all repositories
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		if f.db == nil {
			f.repos = NewMemoryRepositories()
			return
		}
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

// GetBillingRecordRepository returns the billing record repository instance
func (f *Factory) GetBillingRecordRepository() BillingRecordRepository {
	return f.GetRepositories().BillingRecord
}

// GetSubscriptionRepository returns the subscription repository instance
func (f *Factory) GetSubscriptionRepository() SubscriptionRepository {
	return f.GetRepositories().Subscription
}

// GetWebhookEventRepository returns the webhook event repository instance
func (f *Factory) GetWebhookEventRepository() WebhookEventRepository {
	return f.GetRepositories().WebhookEvent
}

// Global factory instance
var globalFactory *Factory
var factoryOnce sync.Once

// InitializeFactory initializes the global repository factory
func InitializeFactory(db *gorm.DB) {
	factoryOnce.Do(func() {
		globalFactory = NewFactory(db)
	})
}

// GetGlobalFactory returns the global repository factory instance
func GetGlobalFactory() *Factory {
	if globalFactory == nil {
		panic("Repository factory not initialized. Call InitializeFactory first.")
	}
	return globalFactory
}

// GetGlobalRepositories returns the global repositories instance
func GetGlobalRepositories() *Repositories {
	return GetGlobalFactory().GetRepositories()
}
