package model

// SeqCounter Mongo 里的发号器文档：每个 name 一条，value 单调递增
type SeqCounter struct {
	Name  string `bson:"_id"`
	Value int64  `bson:"value"`
}

const (
	SeqMessage    = "message"
	SeqAttachment = "attachment"
)
