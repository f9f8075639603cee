package equipment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/platinummonkey/netforge/pkg/storage/mongostore"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Repository persists catalog entries
type Repository interface {
	Create(ctx context.Context, e *Equipment) error
	Get(ctx context.Context, orgID, id string) (*Equipment, error)
	GetMany(ctx context.Context, orgID string, ids []string) (map[string]*Equipment, error)
	List(ctx context.Context, orgID string, filter Filter, page Page) (*ListResult, error)
	Update(ctx context.Context, e *Equipment) error
	SetDatasheet(ctx context.Context, orgID, id, key string) error
	Delete(ctx context.Context, orgID, id string) error
	Upsert(ctx context.Context, orgID, userID string, items []Input) (ImportResult, error)
	CountExisting(ctx context.Context, orgID string, items []Input) (int64, error)
	Count(ctx context.Context, orgID string) (int64, error)
}

// MongoRepository stores equipment in the equipment collection
type MongoRepository struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMongoRepository creates a repository over db
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		coll: db.Collection(mongostore.CollectionEquipment),
		now:  func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func byID(orgID, id string) (bson.M, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return bson.M{"_id": oid, "org_id": orgID}, nil
}

// Create inserts e, assigning its id and timestamps
func (r *MongoRepository) Create(ctx context.Context, e *Equipment) error {
	now := r.now()
	e.ID = primitive.NewObjectID()
	e.CreatedAt = now
	e.UpdatedAt = now
	if _, err := r.coll.InsertOne(ctx, e); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert equipment: %w", err)
	}
	return nil
}

// Get returns one entry
func (r *MongoRepository) Get(ctx context.Context, orgID, id string) (*Equipment, error) {
	filter, err := byID(orgID, id)
	if err != nil {
		return nil, err
	}
	var e Equipment
	err = r.coll.FindOne(ctx, filter).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get equipment: %w", err)
	}
	e.HasDatasheet = e.DatasheetKey != ""
	return &e, nil
}

// GetMany loads the entries with the given ids. Unknown ids are skipped.
func (r *MongoRepository) GetMany(ctx context.Context, orgID string, ids []string) (map[string]*Equipment, error) {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			oids = append(oids, oid)
		}
	}
	out := make(map[string]*Equipment, len(oids))
	if len(oids) == 0 {
		return out, nil
	}
	cur, err := r.coll.Find(ctx, bson.M{"org_id": orgID, "_id": bson.M{"$in": oids}})
	if err != nil {
		return nil, fmt.Errorf("failed to load equipment: %w", err)
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var e Equipment
		if err := cur.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to decode equipment: %w", err)
		}
		e.HasDatasheet = e.DatasheetKey != ""
		out[e.HexID()] = &e
	}
	return out, cur.Err()
}

func listQuery(orgID string, f Filter) bson.M {
	q := bson.M{"org_id": orgID}
	if f.Vendor != "" {
		q["vendor"] = primitive.Regex{Pattern: "^" + regexp.QuoteMeta(f.Vendor) + "$", Options: "i"}
	}
	if f.Category != "" {
		q["category"] = f.Category
	}
	if f.Search != "" {
		pattern := primitive.Regex{Pattern: regexp.QuoteMeta(f.Search), Options: "i"}
		q["$or"] = bson.A{
			bson.M{"vendor": pattern},
			bson.M{"model": pattern},
			bson.M{"description": pattern},
		}
	}
	return q
}

// ClampPage applies the default and maximum page sizes
func ClampPage(p Page) Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// List returns entries sorted by vendor then model
func (r *MongoRepository) List(ctx context.Context, orgID string, filter Filter, page Page) (*ListResult, error) {
	page = ClampPage(page)
	q := listQuery(orgID, filter)

	total, err := r.coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to count equipment: %w", err)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "vendor", Value: 1}, {Key: "model", Value: 1}}).
		SetSkip(int64(page.Offset)).
		SetLimit(int64(page.Limit))
	cur, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list equipment: %w", err)
	}
	defer cur.Close(ctx)

	items := []*Equipment{}
	for cur.Next(ctx) {
		var e Equipment
		if err := cur.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to decode equipment: %w", err)
		}
		e.HasDatasheet = e.DatasheetKey != ""
		items = append(items, &e)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return &ListResult{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// Update writes the editable fields of e
func (r *MongoRepository) Update(ctx context.Context, e *Equipment) error {
	e.UpdatedAt = r.now()
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": e.ID, "org_id": e.OrgID}, bson.M{"$set": bson.M{
		"vendor":      e.Vendor,
		"model":       e.Model,
		"category":    e.Category,
		"description": e.Description,
		"port_count":  e.PortCount,
		"rack_units":  e.RackUnits,
		"power_watts": e.PowerWatts,
		"attributes":  e.Attributes,
		"updated_at":  e.UpdatedAt,
	}})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to update equipment: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDatasheet records the object key of an entry's datasheet
func (r *MongoRepository) SetDatasheet(ctx context.Context, orgID, id, key string) error {
	filter, err := byID(orgID, id)
	if err != nil {
		return err
	}
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"datasheet_key": key, "updated_at": r.now()}})
	if err != nil {
		return fmt.Errorf("failed to set datasheet: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an entry
func (r *MongoRepository) Delete(ctx context.Context, orgID, id string) error {
	filter, err := byID(orgID, id)
	if err != nil {
		return err
	}
	res, err := r.coll.DeleteOne(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to delete equipment: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Upsert writes items keyed by vendor and model in one unordered bulk write.
// Existing entries are overwritten; new ones are created.
func (r *MongoRepository) Upsert(ctx context.Context, orgID, userID string, items []Input) (ImportResult, error) {
	if len(items) == 0 {
		return ImportResult{}, nil
	}
	now := r.now()
	models := make([]mongo.WriteModel, 0, len(items))
	for _, in := range items {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"org_id": orgID, "vendor": in.Vendor, "model": in.Model}).
			SetUpdate(bson.M{
				"$set": bson.M{
					"category":    in.Category,
					"description": in.Description,
					"port_count":  in.PortCount,
					"rack_units":  in.RackUnits,
					"power_watts": in.PowerWatts,
					"attributes":  in.Attributes,
					"updated_at":  now,
				},
				"$setOnInsert": bson.M{
					"created_by": userID,
					"created_at": now,
				},
			}).
			SetUpsert(true))
	}
	res, err := r.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to import equipment: %w", err)
	}
	return ImportResult{Created: int(res.UpsertedCount), Updated: int(res.MatchedCount)}, nil
}

// CountExisting returns how many of items already exist by vendor and model
func (r *MongoRepository) CountExisting(ctx context.Context, orgID string, items []Input) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	keys := make(bson.A, 0, len(items))
	for _, in := range items {
		keys = append(keys, bson.M{"vendor": in.Vendor, "model": in.Model})
	}
	n, err := r.coll.CountDocuments(ctx, bson.M{"org_id": orgID, "$or": keys})
	if err != nil {
		return 0, fmt.Errorf("failed to count existing equipment: %w", err)
	}
	return n, nil
}

// Count returns how many entries orgID has
func (r *MongoRepository) Count(ctx context.Context, orgID string) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"org_id": orgID})
	if err != nil {
		return 0, fmt.Errorf("failed to count equipment: %w", err)
	}
	return n, nil
}
