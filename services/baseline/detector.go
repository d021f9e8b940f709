package baseline

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"
	"unicode"

	"catalogsync/services/baseline/db"
	"catalogsync/services/crawler"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/baseline")

// CategoryFunc buckets a record's natural key into a coarse category
// for the breakdown, usually by subject-code prefix.
type CategoryFunc func(key string) string

// PrefixCategory takes the leading letters of the key, so "MATH101-01"
// becomes "MATH".
func PrefixCategory(key string) string {
	for i, r := range key {
		if !unicode.IsLetter(r) {
			return key[:i]
		}
	}
	return key
}

// EntityData is one entity's share of a baseline snapshot.
type EntityData struct {
	RecordCount int
	Breakdown   map[string]int
}

// SnapshotData maps entity code to its counts for one crawl epoch.
type SnapshotData map[string]EntityData

// BuildSnapshotData reduces a run's records to per-entity counts and
// category breakdowns.
func BuildSnapshotData(records []crawler.Record, categorize CategoryFunc) SnapshotData {
	if categorize == nil {
		categorize = PrefixCategory
	}
	data := SnapshotData{}
	for _, record := range records {
		entity := data[record.Entity]
		if entity.Breakdown == nil {
			entity.Breakdown = map[string]int{}
		}
		entity.RecordCount++
		entity.Breakdown[categorize(record.Key)]++
		data[record.Entity] = entity
	}
	return data
}

type Regression struct {
	Entity            string
	PreviousCount     int
	CurrentCount      int
	PercentDrop       float64
	MissingCategories []string
	IsCritical        bool
}

type Warning struct {
	Entity        string
	PreviousCount int
	CurrentCount  int
}

type Report struct {
	Epoch                  string
	HasPrevious            bool
	Regressions            []Regression
	Warnings               []Warning
	HasCriticalRegressions bool
}

type Config struct {
	// fraction of records an entity may lose before it counts as a
	// regression
	DropThreshold float64 `json:"drop_threshold"`
	// entities whose regressions are severe must-review signals
	CriticalEntities []string `json:"critical_entities"`
}

func (c Config) withDefaults() Config {
	if c.DropThreshold <= 0 {
		c.DropThreshold = 0.5
	}
	return c
}

// Detector stores per-epoch baseline snapshots and compares new runs
// against them to catch silent data loss before it propagates.
type Detector struct {
	db  *sql.DB
	qry *db.Queries
	cfg Config
}

func NewDetector(database *sql.DB, cfg Config) Detector {
	return Detector{
		db:  database,
		qry: db.New(database),
		cfg: cfg.withDefaults(),
	}
}

// Save replaces the epoch's snapshot wholesale. Snapshots are never
// merged with a prior one; callers must only save after a run that was
// not aborted early.
func (d Detector) Save(ctx context.Context, epoch string, data SnapshotData) error {
	ctx, span := tracer.Start(ctx, "detector:Save")
	defer span.End()
	span.SetAttributes(attribute.String("epoch", epoch))

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer tx.Rollback()
	txqry := d.qry.WithTx(tx)

	err = txqry.DeleteBaselineForEpoch(ctx, epoch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	now := time.Now().Unix()
	for entity, entityData := range data {
		err := txqry.CreateBaselineEntity(ctx, db.CreateBaselineEntityParams{
			Epoch:       epoch,
			Entity:      entity,
			RecordCount: int64(entityData.RecordCount),
			CreatedAt:   now,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		for category, count := range entityData.Breakdown {
			err := txqry.CreateBaselineCategory(ctx, db.CreateBaselineCategoryParams{
				Epoch:       epoch,
				Entity:      entity,
				Category:    category,
				RecordCount: int64(count),
			})
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
		}
	}

	return tx.Commit()
}

// Load returns the stored snapshot for an epoch. A missing snapshot is
// an explicit found=false, not an error.
func (d Detector) Load(ctx context.Context, epoch string) (SnapshotData, time.Time, bool, error) {
	ctx, span := tracer.Start(ctx, "detector:Load")
	defer span.End()
	span.SetAttributes(attribute.String("epoch", epoch))

	entities, err := d.qry.GetBaselineEntities(ctx, epoch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, time.Time{}, false, err
	}
	if len(entities) == 0 {
		return nil, time.Time{}, false, nil
	}

	categories, err := d.qry.GetBaselineCategories(ctx, epoch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, time.Time{}, false, err
	}

	data := SnapshotData{}
	var createdAt int64
	for _, row := range entities {
		data[row.Entity] = EntityData{
			RecordCount: int(row.RecordCount),
			Breakdown:   map[string]int{},
		}
		if row.CreatedAt > createdAt {
			createdAt = row.CreatedAt
		}
	}
	for _, row := range categories {
		entity, ok := data[row.Entity]
		if !ok {
			continue
		}
		entity.Breakdown[row.Category] = int(row.RecordCount)
	}

	return data, time.Unix(createdAt, 0), true, nil
}

// Compare diffs the current run's counts against the epoch's stored
// baseline. It is a pure function of (baseline, current, config) aside
// from the snapshot read.
func (d Detector) Compare(ctx context.Context, epoch string, current SnapshotData) (Report, error) {
	ctx, span := tracer.Start(ctx, "detector:Compare")
	defer span.End()
	span.SetAttributes(attribute.String("epoch", epoch))

	report := Report{Epoch: epoch}

	previous, _, found, err := d.Load(ctx, epoch)
	if err != nil {
		return report, err
	}
	if !found {
		return report, nil
	}
	report.HasPrevious = true

	critical := map[string]bool{}
	for _, entity := range d.cfg.CriticalEntities {
		critical[entity] = true
	}

	entities := make([]string, 0, len(previous))
	for entity := range previous {
		entities = append(entities, entity)
	}
	sort.Strings(entities)

	for _, entity := range entities {
		prev := previous[entity]

		curr, present := current[entity]
		if !present {
			report.Warnings = append(report.Warnings, Warning{
				Entity:        entity,
				PreviousCount: prev.RecordCount,
				CurrentCount:  0,
			})
			continue
		}

		var drop float64
		if prev.RecordCount > 0 {
			drop = float64(prev.RecordCount-curr.RecordCount) / float64(prev.RecordCount)
		}

		missing := missingCategories(prev.Breakdown, curr.Breakdown)

		if drop <= d.cfg.DropThreshold && len(missing) == 0 {
			continue
		}

		regression := Regression{
			Entity:            entity,
			PreviousCount:     prev.RecordCount,
			CurrentCount:      curr.RecordCount,
			PercentDrop:       drop,
			MissingCategories: missing,
		}
		if drop > d.cfg.DropThreshold && critical[entity] {
			regression.IsCritical = true
			report.HasCriticalRegressions = true
		}
		report.Regressions = append(report.Regressions, regression)
	}

	return report, nil
}

// missingCategories lists categories with a nonzero prior count that
// are absent or zero now, independent of the overall drop threshold.
func missingCategories(previous, current map[string]int) []string {
	var missing []string
	for category, count := range previous {
		if count <= 0 {
			continue
		}
		if current[category] <= 0 {
			missing = append(missing, category)
		}
	}
	sort.Strings(missing)
	return missing
}

// Describe renders an entity list for logs.
func Describe(data SnapshotData) string {
	entities := make([]string, 0, len(data))
	for entity := range data {
		entities = append(entities, entity)
	}
	sort.Strings(entities)
	return strings.Join(entities, ",")
}
