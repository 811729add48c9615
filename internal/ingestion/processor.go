package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/groupchat/backend/internal/nlp"
	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/pkg/logger"
)

// SeedFile is the YAML document loaded by the admin seed command.
type SeedFile struct {
	Contacts  []SeedContact       `yaml:"contacts"`
	TagGroups map[string][]string `yaml:"tag_groups"`
	Referrals []SeedReferral      `yaml:"referrals"`
}

type SeedContact struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Summary      string   `yaml:"summary"`
	Tags         []string `yaml:"tags"`
	Consent      []string `yaml:"consent"`
	Trust        *float64 `yaml:"trust"`
	ResponseRate *float64 `yaml:"response_rate"`
	Available    *bool    `yaml:"available"`
	// ProfileHTML is a path, relative to the seed file, of a profile page
	// used as the expertise summary when Summary is empty.
	ProfileHTML string `yaml:"profile_html"`

	profile string
}

type SeedReferral struct {
	Referrer string `yaml:"referrer"`
	Referred string `yaml:"referred"`
}

// LoadSeedFile parses a seed file and reads the profile pages it names.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	dir := filepath.Dir(path)
	for i := range seed.Contacts {
		c := &seed.Contacts[i]
		if c.ProfileHTML == "" {
			continue
		}
		page, err := os.ReadFile(filepath.Join(dir, c.ProfileHTML))
		if err != nil {
			return nil, fmt.Errorf("contact %s: failed to read profile page: %w", c.ID, err)
		}
		c.profile = string(page)
	}
	return &seed, nil
}

// Contact converts the seed entry. Trust defaults to 0.5, response rate to
// 1 and availability to true.
func (s SeedContact) Contact() *models.Contact {
	contact := &models.Contact{
		ID:               strings.TrimSpace(s.ID),
		Name:             s.Name,
		ExpertiseSummary: strings.TrimSpace(s.Summary),
		Tags:             s.Tags,
		TrustScore:       0.5,
		ResponseRate:     1,
		Available:        true,
		Consent:          make(map[models.Channel]bool, len(s.Consent)),
	}
	if s.Trust != nil {
		contact.TrustScore = *s.Trust
	}
	if s.ResponseRate != nil {
		contact.ResponseRate = *s.ResponseRate
	}
	if s.Available != nil {
		contact.Available = *s.Available
	}
	for _, ch := range s.Consent {
		contact.Consent[models.Channel(strings.ToLower(strings.TrimSpace(ch)))] = true
	}

	if s.profile != "" {
		if contact.ExpertiseSummary == "" {
			contact.ExpertiseSummary = nlp.CleanHTML(s.profile)
		}
		if contact.Name == "" {
			contact.Name = nlp.Title(s.profile)
		}
	}
	return contact
}

type ContactIndex interface {
	Upsert(ctx context.Context, contact *models.Contact) error
}

type ReferralStore interface {
	AddReferral(ctx context.Context, referrerID, referredID string) error
}

type TagGroupStore interface {
	UpsertTagGroup(ctx context.Context, name string, tags []string) error
}

// Processor loads seed files into the expertise index, the referral stores
// and, when configured, the tag-group graph.
type Processor struct {
	index     ContactIndex
	groups    TagGroupStore
	referrals []ReferralStore
	workers   int
	log       *zap.Logger
}

func NewProcessor(index ContactIndex, groups TagGroupStore, referrals ...ReferralStore) *Processor {
	return &Processor{
		index:     index,
		groups:    groups,
		referrals: referrals,
		workers:   4,
		log:       logger.Named("ingestion"),
	}
}

type Report struct {
	Contacts  int
	Failed    []string
	Referrals int
	TagGroups int
}

// Process upserts contacts concurrently, then referrals and tag groups.
// Individual failures are collected; the returned error joins them.
func (p *Processor) Process(ctx context.Context, seed *SeedFile) (*Report, error) {
	report := &Report{}
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, sc := range seed.Contacts {
		contact := sc.Contact()
		g.Go(func() error {
			err := p.index.Upsert(gctx, contact)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, contact.ID)
				errs = append(errs, fmt.Errorf("contact %q: %w", contact.ID, err))
				return nil
			}
			report.Contacts++
			return nil
		})
	}
	g.Wait()

	for _, r := range seed.Referrals {
		var failed bool
		for _, store := range p.referrals {
			if err := store.AddReferral(ctx, r.Referrer, r.Referred); err != nil {
				errs = append(errs, fmt.Errorf("referral %s->%s: %w", r.Referrer, r.Referred, err))
				failed = true
			}
		}
		if !failed {
			report.Referrals++
		}
	}

	if p.groups != nil {
		for name, tags := range seed.TagGroups {
			if err := p.groups.UpsertTagGroup(ctx, name, tags); err != nil {
				errs = append(errs, fmt.Errorf("tag group %q: %w", name, err))
				continue
			}
			report.TagGroups++
		}
	}

	p.log.Info("Seed processed",
		zap.Int("contacts", report.Contacts),
		zap.Int("failed", len(report.Failed)),
		zap.Int("referrals", report.Referrals),
		zap.Int("tag_groups", report.TagGroups),
	)
	return report, errors.Join(errs...)
}
