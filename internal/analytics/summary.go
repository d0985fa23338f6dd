// Package analytics computes the dashboard's daily sales summary.
package analytics

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Hammad-xureshi/sales-analytics/internal/cache"
	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
)

type SummaryReader interface {
	DashboardSummary(ctx context.Context, websiteID int64, dayStart time.Time, now time.Time) (domain.DashboardSummary, error)
}

type Service struct {
	repo     SummaryReader
	cache    cache.SummaryCache
	cacheTTL time.Duration
	loc      *time.Location
	currency string
	now      func() time.Time
}

func NewService(repo SummaryReader, cacheStore cache.SummaryCache, cacheTTL time.Duration, loc *time.Location, currency string) *Service {
	if cacheStore == nil {
		cacheStore = cache.NoopSummaryCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Second
	}
	if loc == nil {
		loc = time.UTC
	}

	return &Service{
		repo:     repo,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		loc:      loc,
		currency: currency,
		now:      time.Now,
	}
}

// Summary returns today's figures for websiteID, or for all websites when
// websiteID is zero. "Today" is the business day in the configured zone.
func (s *Service) Summary(ctx context.Context, websiteID int64) (domain.DashboardSummary, error) {
	now := s.now().In(s.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	cacheKey := fmt.Sprintf("%s:%d", dayStart.Format("2006-01-02"), websiteID)

	if cached, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		log.WithError(err).Warn("[analytics] summary cache read failed")
	}

	summary, err := s.repo.DashboardSummary(ctx, websiteID, dayStart, now)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	summary.WebsiteID = websiteID
	summary.Date = dayStart.Format("2006-01-02")
	summary.Currency = s.currency
	summary.GeneratedAt = now.UTC().Format(time.RFC3339)
	if summary.Hourly == nil {
		summary.Hourly = []domain.HourlyRevenue{}
	}
	if summary.TopProducts == nil {
		summary.TopProducts = []domain.TopProduct{}
	}

	if err := s.cache.Set(ctx, cacheKey, &summary, s.cacheTTL); err != nil {
		log.WithError(err).Warn("[analytics] summary cache write failed")
	}
	return summary, nil
}
