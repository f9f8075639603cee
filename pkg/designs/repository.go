package designs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/platinummonkey/netforge/pkg/storage/mongostore"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Repository persists design documents
type Repository interface {
	Create(ctx context.Context, d *Design) error
	Get(ctx context.Context, orgID, id string) (*Design, error)
	List(ctx context.Context, orgID string, filter ListFilter, page Page) (*ListResult, error)
	Update(ctx context.Context, orgID string, d *Design, expectedVersion int64) error
	Delete(ctx context.Context, orgID, id string) error
	Count(ctx context.Context, orgID string) (int64, error)
	AddAttachment(ctx context.Context, orgID, id string, a Attachment) error
	RemoveAttachment(ctx context.Context, orgID, id, attachmentID string) error
	SetWatcher(ctx context.Context, orgID, id, userID string, watch bool) error
	CountByEquipment(ctx context.Context, orgID, equipmentID string) (int64, error)
}

// MongoRepository stores designs in the designs collection
type MongoRepository struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMongoRepository creates a repository over db
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		coll: db.Collection(mongostore.CollectionDesigns),
		now:  func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func scope(orgID string, oid primitive.ObjectID) bson.M {
	return bson.M{"_id": oid, "org_id": orgID}
}

// Create inserts d, assigning its id, version and timestamps
func (r *MongoRepository) Create(ctx context.Context, d *Design) error {
	now := r.now()
	d.ID = primitive.NewObjectID()
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.UpdatedBy == "" {
		d.UpdatedBy = d.CreatedBy
	}
	if _, err := r.coll.InsertOne(ctx, d); err != nil {
		return fmt.Errorf("failed to insert design: %w", err)
	}
	return nil
}

// Get returns a design scoped to orgID
func (r *MongoRepository) Get(ctx context.Context, orgID, id string) (*Design, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, ErrNotFound
	}
	var d Design
	err = r.coll.FindOne(ctx, scope(orgID, oid)).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get design: %w", err)
	}
	return &d, nil
}

func listQuery(orgID string, filter ListFilter) bson.M {
	q := bson.M{"org_id": orgID}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	if filter.Tag != "" {
		q["tags"] = filter.Tag
	}
	if filter.Search != "" {
		q["$text"] = bson.M{"$search": filter.Search}
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

// List returns designs newest-updated first. Attachments and watchers are
// left out of list results.
func (r *MongoRepository) List(ctx context.Context, orgID string, filter ListFilter, page Page) (*ListResult, error) {
	page = ClampPage(page)
	q := listQuery(orgID, filter)

	total, err := r.coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to count designs: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(page.Offset)).
		SetLimit(int64(page.Limit)).
		SetProjection(bson.M{"attachments": 0, "watchers": 0})
	cur, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list designs: %w", err)
	}
	defer cur.Close(ctx)

	out := []*Design{}
	for cur.Next(ctx) {
		var d Design
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("failed to decode design: %w", err)
		}
		out = append(out, &d)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate designs: %w", err)
	}
	return &ListResult{Designs: out, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// Update writes d's editable content if the stored version still equals
// expectedVersion, then bumps the version. Attachments and watchers are
// managed separately and are never overwritten here.
func (r *MongoRepository) Update(ctx context.Context, orgID string, d *Design, expectedVersion int64) error {
	filter := scope(orgID, d.ID)
	filter["version"] = expectedVersion

	now := r.now()
	update := bson.M{
		"$set": bson.M{
			"name":        d.Name,
			"description": d.Description,
			"status":      d.Status,
			"tags":        d.Tags,
			"subnets":     d.Subnets,
			"vlans":       d.VLANs,
			"devices":     d.Devices,
			"links":       d.Links,
			"updated_by":  d.UpdatedBy,
			"updated_at":  now,
		},
		"$inc": bson.M{"version": 1},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update design: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := r.coll.CountDocuments(ctx, scope(orgID, d.ID))
		if err != nil {
			return fmt.Errorf("failed to check design: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	d.Version = expectedVersion + 1
	d.UpdatedAt = now
	return nil
}

// Delete removes a design
func (r *MongoRepository) Delete(ctx context.Context, orgID, id string) error {
	oid, err := ParseID(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := r.coll.DeleteOne(ctx, scope(orgID, oid))
	if err != nil {
		return fmt.Errorf("failed to delete design: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns how many designs orgID owns
func (r *MongoRepository) Count(ctx context.Context, orgID string) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"org_id": orgID})
	if err != nil {
		return 0, fmt.Errorf("failed to count designs: %w", err)
	}
	return n, nil
}

func (r *MongoRepository) updateOne(ctx context.Context, orgID, id string, match, update bson.M, miss error) error {
	oid, err := ParseID(id)
	if err != nil {
		return ErrNotFound
	}
	filter := scope(orgID, oid)
	for k, v := range match {
		filter[k] = v
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update design: %w", err)
	}
	if res.MatchedCount == 0 {
		return miss
	}
	return nil
}

// AddAttachment appends an attachment record
func (r *MongoRepository) AddAttachment(ctx context.Context, orgID, id string, a Attachment) error {
	return r.updateOne(ctx, orgID, id, nil, bson.M{"$push": bson.M{"attachments": a}}, ErrNotFound)
}

// RemoveAttachment removes an attachment record
func (r *MongoRepository) RemoveAttachment(ctx context.Context, orgID, id, attachmentID string) error {
	return r.updateOne(ctx, orgID, id, bson.M{"attachments.id": attachmentID}, bson.M{"$pull": bson.M{"attachments": bson.M{"id": attachmentID}}}, ErrAttachmentNotFound)
}

// SetWatcher adds or removes userID from the design's watchers
func (r *MongoRepository) SetWatcher(ctx context.Context, orgID, id, userID string, watch bool) error {
	op := "$pull"
	if watch {
		op = "$addToSet"
	}
	return r.updateOne(ctx, orgID, id, nil, bson.M{op: bson.M{"watchers": userID}}, ErrNotFound)
}

// CountByEquipment returns how many designs in orgID place equipmentID
func (r *MongoRepository) CountByEquipment(ctx context.Context, orgID, equipmentID string) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"org_id": orgID, "devices.equipment_id": equipmentID})
	if err != nil {
		return 0, fmt.Errorf("failed to count equipment usage: %w", err)
	}
	return n, nil
}
