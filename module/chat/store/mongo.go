package store

import (
	"context"
	"time"

	"ChatCore/data/database/mgo/mongoutil"
	"ChatCore/module/chat/model"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collMessages    = "messages"
	collAttachments = "attachments"
	collDeliveries  = "message_deliveries"
	collReadMarks   = "group_read_marks"
	collUsers       = "users"
	collGroups      = "groups"
	collMembers     = "group_members"
	collContacts    = "contacts"
	collCounters    = "counters"
)

// MongoStore Mongo 实现；自增 id 用 counters 集合发号
type MongoStore struct {
	cli *mongoutil.Client
	db  *mongo.Database
}

func OpenMongo(ctx context.Context, cfg *mongoutil.Config) (*MongoStore, error) {
	cli, err := mongoutil.NewMongoDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &MongoStore{cli: cli, db: cli.GetDB()}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = cli.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	idx := map[string][]mongo.IndexModel{
		collMessages: {
			{
				Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "client_id", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"client_id": bson.M{"$exists": true}}),
			},
			{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		collAttachments: {{Keys: bson.D{{Key: "message_id", Value: 1}}}},
		collDeliveries: {{
			Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "member_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		collReadMarks: {{
			Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "member_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		collMembers: {
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		collContacts: {{
			Keys:    bson.D{{Key: "owner_id", Value: 1}, {Key: "contact_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
	}
	for coll, models := range idx {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "mongo: create indexes on %s", coll)
		}
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.cli.Close(ctx)
}

func (s *MongoStore) IsTransient(err error) bool {
	if mongo.IsNetworkError(err) {
		return true
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError")
	}
	return false
}

// nextID 原子发号：value += 1
func (s *MongoStore) nextID(ctx context.Context, name string) (int64, error) {
	var c model.SeqCounter
	err := s.db.Collection(collCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return 0, errors.Wrapf(err, "mongo: alloc %s id", name)
	}
	return c.Value, nil
}

func (s *MongoStore) decodeMessages(ctx context.Context, cur *mongo.Cursor) ([]*model.Message, error) {
	defer cur.Close(ctx)
	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, s.fillAttachments(ctx, out...)
}

func (s *MongoStore) fillAttachments(ctx context.Context, msgs ...*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	atts, err := s.AttachmentsOf(ctx, ids)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		m.Attachments = atts[m.ID]
	}
	return nil
}

// ---- MessageStore ----

func (s *MongoStore) InsertMessage(ctx context.Context, d *model.Draft) (*model.Message, error) {
	id, err := s.nextID(ctx, model.SeqMessage)
	if err != nil {
		return nil, err
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	m := &model.Message{
		ID:               id,
		ClientID:         d.ClientID,
		SenderID:         d.SenderID,
		RecipientID:      d.RecipientID,
		GroupID:          d.GroupID,
		Content:          d.Content,
		ReplyToID:        d.ReplyToID,
		IsForwarded:      d.IsForwarded,
		OriginalSenderID: d.OriginalSenderID,
		Status:           model.StatusSent,
		CreatedAt:        created,
	}
	if _, err := s.db.Collection(collMessages).InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicateClientID
		}
		return nil, errors.Wrap(err, "insert message")
	}
	return m, nil
}

func (s *MongoStore) FindByClientID(ctx context.Context, senderID int64, clientID string) (*model.Message, error) {
	var m model.Message
	err := s.db.Collection(collMessages).FindOne(ctx, bson.M{"sender_id": senderID, "client_id": clientID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, s.fillAttachments(ctx, &m)
}

func (s *MongoStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	var m model.Message
	err := s.db.Collection(collMessages).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &m, s.fillAttachments(ctx, &m)
}

func (s *MongoStore) CreateAttachment(ctx context.Context, a *model.Attachment) error {
	id, err := s.nextID(ctx, model.SeqAttachment)
	if err != nil {
		return err
	}
	a.ID = id
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err = s.db.Collection(collAttachments).InsertOne(ctx, a)
	return err
}

func (s *MongoStore) LinkAttachments(ctx context.Context, messageID, uploaderID int64, ids []int64) ([]model.Attachment, error) {
	coll := s.db.Collection(collAttachments)
	filter := bson.M{
		"_id":         bson.M{"$in": ids},
		"uploader_id": uploaderID,
		"$or": bson.A{
			bson.M{"message_id": bson.M{"$exists": false}},
			bson.M{"message_id": messageID},
		},
	}
	n, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, err
	}
	if int(n) != len(ids) {
		return nil, errors.Wrapf(ErrNotFound, "attachments %v", ids)
	}
	if _, err := coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"message_id": messageID, "temporary": false}}); err != nil {
		return nil, err
	}
	cur, err := coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}, "message_id": messageID})
	if err != nil {
		return nil, err
	}
	var got []model.Attachment
	if err := cur.All(ctx, &got); err != nil {
		return nil, err
	}
	byID := make(map[int64]model.Attachment, len(got))
	for _, a := range got {
		byID[a.ID] = a
	}
	out := make([]model.Attachment, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "attachment %d", id)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *MongoStore) AttachmentsOf(ctx context.Context, messageIDs []int64) (map[int64][]model.Attachment, error) {
	cur, err := s.db.Collection(collAttachments).Find(ctx,
		bson.M{"message_id": bson.M{"$in": messageIDs}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var all []model.Attachment
	if err := cur.All(ctx, &all); err != nil {
		return nil, err
	}
	out := make(map[int64][]model.Attachment)
	for _, a := range all {
		out[a.MessageID] = append(out[a.MessageID], a)
	}
	return out, nil
}

func (s *MongoStore) GetAttachments(ctx context.Context, ids []int64) ([]model.Attachment, error) {
	cur, err := s.db.Collection(collAttachments).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	var out []model.Attachment
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) StaleTempAttachments(ctx context.Context, before time.Time, limit int) ([]model.Attachment, error) {
	cur, err := s.db.Collection(collAttachments).Find(ctx,
		bson.M{"temporary": true, "message_id": bson.M{"$exists": false}, "created_at": bson.M{"$lt": before}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var out []model.Attachment
	return out, cur.All(ctx, &out)
}

func (s *MongoStore) DeleteAttachment(ctx context.Context, id int64) error {
	_, err := s.db.Collection(collAttachments).DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// AdvanceStatus 过滤条件 status < to 即 CAS；用管道更新补齐时间戳
func (s *MongoStore) AdvanceStatus(ctx context.Context, id int64, to model.Status, at time.Time) (bool, *model.Message, error) {
	set := bson.M{"status": to}
	if to >= model.StatusDelivered {
		set["delivered_at"] = bson.M{"$ifNull": bson.A{"$delivered_at", at}}
	}
	if to >= model.StatusRead {
		set["read_at"] = bson.M{"$ifNull": bson.A{"$read_at", at}}
	}
	var m model.Message
	err := s.db.Collection(collMessages).FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": bson.M{"$lt": to}},
		bson.A{bson.M{"$set": set}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		cur, gerr := s.GetMessage(ctx, id)
		return false, cur, gerr
	}
	if err != nil {
		return false, nil, err
	}
	return true, &m, s.fillAttachments(ctx, &m)
}

func (s *MongoStore) InsertDelivery(ctx context.Context, rec model.DeliveryRecord) (bool, error) {
	_, err := s.db.Collection(collDeliveries).InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MongoStore) DeliveredMembers(ctx context.Context, messageID int64) ([]int64, error) {
	cur, err := s.db.Collection(collDeliveries).Find(ctx, bson.M{"message_id": messageID},
		options.Find().SetSort(bson.D{{Key: "member_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var recs []model.DeliveryRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.MemberID
	}
	return out, nil
}

// UpsertReadMark 过滤 read_at < 新值；已存在更大的水位时 upsert 撞唯一索引，回读旧值
func (s *MongoStore) UpsertReadMark(ctx context.Context, mark model.GroupReadMark) (bool, *time.Time, error) {
	coll := s.db.Collection(collReadMarks)
	var before model.GroupReadMark
	err := coll.FindOneAndUpdate(ctx,
		bson.M{"group_id": mark.GroupID, "member_id": mark.MemberID, "read_at": bson.M{"$lt": mark.ReadAt}},
		bson.M{"$set": bson.M{"read_at": mark.ReadAt}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before),
	).Decode(&before)
	switch {
	case err == nil:
		prev := before.ReadAt
		return true, &prev, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return true, nil, nil
	case mongo.IsDuplicateKeyError(err):
		var cur model.GroupReadMark
		if err := coll.FindOne(ctx, bson.M{"group_id": mark.GroupID, "member_id": mark.MemberID}).Decode(&cur); err != nil {
			return false, nil, err
		}
		prev := cur.ReadAt
		return false, &prev, nil
	default:
		return false, nil, err
	}
}

func (s *MongoStore) ReadMarks(ctx context.Context, groupID int64) (map[int64]time.Time, error) {
	cur, err := s.db.Collection(collReadMarks).Find(ctx, bson.M{"group_id": groupID})
	if err != nil {
		return nil, err
	}
	var marks []model.GroupReadMark
	if err := cur.All(ctx, &marks); err != nil {
		return nil, err
	}
	out := make(map[int64]time.Time, len(marks))
	for _, mk := range marks {
		out[mk.MemberID] = mk.ReadAt
	}
	return out, nil
}

func (s *MongoStore) PendingPrivate(ctx context.Context, userID int64, limit int) ([]*model.Message, error) {
	cur, err := s.db.Collection(collMessages).Find(ctx,
		bson.M{"recipient_id": userID, "group_id": bson.M{"$exists": false}, "status": model.StatusSent},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	return s.decodeMessages(ctx, cur)
}

func (s *MongoStore) PendingGroup(ctx context.Context, userID int64, limit int) ([]*model.Message, error) {
	cur, err := s.db.Collection(collMembers).Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	var mbs []model.Membership
	if err := cur.All(ctx, &mbs); err != nil {
		return nil, err
	}
	if len(mbs) == 0 {
		return nil, nil
	}
	ors := make(bson.A, 0, len(mbs))
	for _, mb := range mbs {
		ors = append(ors, bson.M{"group_id": mb.GroupID, "created_at": bson.M{"$gte": mb.JoinedAt}})
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": ors, "sender_id": bson.M{"$ne": userID}}}},
		{{Key: "$lookup", Value: bson.M{
			"from": collDeliveries,
			"let":  bson.M{"mid": "$_id"},
			"pipeline": bson.A{bson.M{"$match": bson.M{"$expr": bson.M{"$and": bson.A{
				bson.M{"$eq": bson.A{"$message_id", "$$mid"}},
				bson.M{"$eq": bson.A{"$member_id", userID}},
			}}}}},
			"as": "delivered",
		}}},
		{{Key: "$match", Value: bson.M{"delivered": bson.M{"$size": 0}}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
		{{Key: "$limit", Value: limit}},
		{{Key: "$project", Value: bson.M{"delivered": 0}}},
	}
	mcur, err := s.db.Collection(collMessages).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	return s.decodeMessages(ctx, mcur)
}

func (s *MongoStore) GroupMessagesBetween(ctx context.Context, groupID int64, after, upTo time.Time, excludeSender int64, limit int) ([]*model.Message, error) {
	cur, err := s.db.Collection(collMessages).Find(ctx,
		bson.M{
			"group_id":   groupID,
			"sender_id":  bson.M{"$ne": excludeSender},
			"created_at": bson.M{"$gt": after, "$lte": upTo},
		},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	return s.decodeMessages(ctx, cur)
}

// ---- Directory ----

func (s *MongoStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := s.db.Collection(collUsers).FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(ErrNotFound, "user %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *MongoStore) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	var g model.Group
	err := s.db.Collection(collGroups).FindOne(ctx, bson.M{"_id": id}).Decode(&g)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(ErrNotFound, "group %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *MongoStore) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	n, err := s.db.Collection(collMembers).CountDocuments(ctx, bson.M{"group_id": groupID, "user_id": userID},
		options.Count().SetLimit(1))
	return n > 0, err
}

func (s *MongoStore) GroupMembers(ctx context.Context, groupID int64) ([]model.Membership, error) {
	cur, err := s.db.Collection(collMembers).Find(ctx, bson.M{"group_id": groupID},
		options.Find().SetSort(bson.D{{Key: "user_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []model.Membership
	return out, cur.All(ctx, &out)
}

func (s *MongoStore) GroupsOf(ctx context.Context, userID int64) ([]int64, error) {
	cur, err := s.db.Collection(collMembers).Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "group_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var mbs []model.Membership
	if err := cur.All(ctx, &mbs); err != nil {
		return nil, err
	}
	out := make([]int64, len(mbs))
	for i, mb := range mbs {
		out[i] = mb.GroupID
	}
	return out, nil
}

func (s *MongoStore) ContactsOf(ctx context.Context, userID int64) ([]int64, error) {
	cur, err := s.db.Collection(collContacts).Find(ctx, bson.M{"owner_id": userID},
		options.Find().SetSort(bson.D{{Key: "contact_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var cs []model.Contact
	if err := cur.All(ctx, &cs); err != nil {
		return nil, err
	}
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.ContactID
	}
	return out, nil
}

func (s *MongoStore) SetPresence(ctx context.Context, userID int64, online bool, at time.Time) error {
	res, err := s.db.Collection(collUsers).UpdateOne(ctx, bson.M{"_id": userID},
		bson.M{"$set": bson.M{"online": online, "last_seen": at}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(ErrNotFound, "user %d", userID)
	}
	return nil
}
