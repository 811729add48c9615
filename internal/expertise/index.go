package expertise

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/nlp"
	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/pkg/logger"
)

const maxDerivedTags = 12

// ProfileStore persists contacts. The sqlite client satisfies it.
type ProfileStore interface {
	UpsertContact(ctx context.Context, contact *models.Contact) error
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	GetContacts(ctx context.Context, ids []string) ([]models.Contact, error)
	ListActiveContacts(ctx context.Context) ([]models.Contact, error)
}

// Hit is one nearest-neighbour result from a VectorStore.
type Hit struct {
	ContactID string
	Score     float32
}

// VectorStore is an approximate nearest-neighbour index over expertise
// vectors. Scores are inner products of normalized vectors.
type VectorStore interface {
	UpsertVector(ctx context.Context, contactID string, vector []float32) error
	SearchVectors(ctx context.Context, vector []float32, topK int) ([]Hit, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Index struct {
	profiles  ProfileStore
	vectors   VectorStore
	embedder  Embedder
	prefilter int
	log       *zap.Logger
}

// NewIndex builds an index over profiles. vectors and embedder are optional;
// prefilter bounds how many nearest neighbours are loaded as candidates when
// a vector store is present (0 loads every active contact).
func NewIndex(profiles ProfileStore, vectors VectorStore, embedder Embedder, prefilter int) *Index {
	return &Index{
		profiles:  profiles,
		vectors:   vectors,
		embedder:  embedder,
		prefilter: prefilter,
		log:       logger.Named("expertise"),
	}
}

// Upsert stores a contact profile. A missing vector is embedded from the
// expertise summary and missing tags are derived from it. Embedding failures
// leave the contact without a vector so matching falls back to tag overlap.
func (i *Index) Upsert(ctx context.Context, contact *models.Contact) error {
	if strings.TrimSpace(contact.ID) == "" {
		return fmt.Errorf("contact id is required")
	}

	if len(contact.Tags) == 0 && contact.ExpertiseSummary != "" {
		contact.Tags = nlp.Keywords(contact.ExpertiseSummary, maxDerivedTags)
	}

	if len(contact.ExpertiseVector) == 0 && contact.ExpertiseSummary != "" && i.embedder != nil {
		vector, err := i.embedder.Embed(ctx, contact.ExpertiseSummary)
		if err != nil {
			i.log.Warn("Failed to embed expertise summary, storing without vector",
				zap.String("contact_id", contact.ID),
				zap.Error(err),
			)
		} else {
			contact.ExpertiseVector = vector
		}
	}

	if err := i.profiles.UpsertContact(ctx, contact); err != nil {
		return fmt.Errorf("failed to store contact: %w", err)
	}

	if i.vectors != nil && len(contact.ExpertiseVector) > 0 {
		if err := i.vectors.UpsertVector(ctx, contact.ID, Normalize(contact.ExpertiseVector)); err != nil {
			// sqlite stays the source of truth; the candidate scan still sees the contact.
			i.log.Warn("Failed to index expertise vector",
				zap.String("contact_id", contact.ID),
				zap.Error(err),
			)
		}
	}

	i.log.Info("Contact profile stored",
		zap.String("contact_id", contact.ID),
		zap.Int("tags", len(contact.Tags)),
		zap.Bool("has_vector", len(contact.ExpertiseVector) > 0),
	)
	return nil
}

// ProfilePage is a contact profile scraped from an HTML page.
type ProfilePage struct {
	ContactID string
	Name      string
	HTML      string
	Consent   map[models.Channel]bool
	Trust     float64
}

// IngestPage converts a profile page into a contact and upserts it.
func (i *Index) IngestPage(ctx context.Context, page ProfilePage) (*models.Contact, error) {
	text := nlp.CleanHTML(page.HTML)
	if text == "" {
		return nil, fmt.Errorf("profile page for %s has no readable text", page.ContactID)
	}

	name := page.Name
	if name == "" {
		name = nlp.Title(page.HTML)
	}

	contact := &models.Contact{
		ID:               page.ContactID,
		Name:             name,
		ExpertiseSummary: text,
		TrustScore:       page.Trust,
		ResponseRate:     1,
		Available:        true,
		Consent:          page.Consent,
	}
	if err := i.Upsert(ctx, contact); err != nil {
		return nil, err
	}
	return contact, nil
}

func (i *Index) Get(ctx context.Context, id string) (*models.Contact, error) {
	return i.profiles.GetContact(ctx, id)
}

// Candidates returns the active contacts worth scoring for a question. With a
// vector store and a question vector only the nearest prefilter contacts are
// loaded; otherwise, or when the vector search fails, every active contact.
func (i *Index) Candidates(ctx context.Context, questionVector []float32) ([]models.Contact, error) {
	if i.vectors == nil || len(questionVector) == 0 || i.prefilter <= 0 {
		return i.profiles.ListActiveContacts(ctx)
	}

	start := time.Now()
	hits, err := i.vectors.SearchVectors(ctx, Normalize(questionVector), i.prefilter)
	if err != nil {
		i.log.Warn("Vector prefilter failed, scanning all contacts", zap.Error(err))
		return i.profiles.ListActiveContacts(ctx)
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ContactID)
	}
	contacts, err := i.profiles.GetContacts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate contacts: %w", err)
	}

	active := contacts[:0]
	for _, c := range contacts {
		if !c.Disabled {
			active = append(active, c)
		}
	}

	i.log.Debug("Vector prefilter completed",
		zap.Int("hits", len(hits)),
		zap.Int("active", len(active)),
		zap.Duration("duration", time.Since(start)),
	)
	return active, nil
}

// Similar ranks active contacts by cosine similarity to vector, highest
// first with ties by id. Contacts without a vector are skipped.
func (i *Index) Similar(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	contacts, err := i.Candidates(ctx, vector)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(contacts))
	for _, c := range contacts {
		if len(c.ExpertiseVector) == 0 {
			continue
		}
		hits = append(hits, Hit{ContactID: c.ID, Score: float32(Cosine(vector, c.ExpertiseVector))})
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].ContactID < hits[b].ContactID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is empty,
// zero-length or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Normalize returns a unit-length copy of v.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
