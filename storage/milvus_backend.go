package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"videoSearch/utils"
)

const (
	milvusPosField    = "pos"
	milvusVectorField = "vector"
)

// milvusBackend keeps vectors in a Milvus collection keyed by index position.
// The id mapping lives in process, so every process owns a collection of its
// own, named after the configured prefix, and drops it on close.
type milvusBackend struct {
	mc   client.Client
	coll string
	dim  int
}

func newMilvusBackend(ctx context.Context, addr, coll string, dim int) (*milvusBackend, error) {
	if addr == "" {
		return nil, errors.New("milvus address not configured")
	}
	if coll == "" {
		coll = "transcript_vectors"
	}
	coll = milvusCollectionName(coll, utils.NewID())
	mc, err := client.NewClient(ctx, client.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	b := &milvusBackend{mc: mc, coll: coll, dim: dim}
	if err := b.recreate(ctx); err != nil {
		mc.Close()
		return nil, err
	}
	return b, nil
}

// milvusCollectionName derives a per-process collection name. Milvus accepts
// letters, digits and underscores only.
func milvusCollectionName(prefix, instance string) string {
	instance = strings.ReplaceAll(instance, "-", "")
	if len(instance) > 16 {
		instance = instance[:16]
	}
	return prefix + "_" + instance
}

func (b *milvusBackend) name() string { return "milvus" }

func (b *milvusBackend) recreate(ctx context.Context) error {
	has, err := b.mc.HasCollection(ctx, b.coll)
	if err != nil {
		return fmt.Errorf("has collection: %w", err)
	}
	if has {
		if err := b.mc.DropCollection(ctx, b.coll); err != nil {
			return fmt.Errorf("drop collection: %w", err)
		}
	}

	schema := entity.NewSchema().
		WithName(b.coll).
		WithDescription("transcript embeddings by index position").
		WithField(entity.NewField().WithName(milvusPosField).WithDataType(entity.FieldTypeInt64).WithIsPrimaryKey(true)).
		WithField(entity.NewField().WithName(milvusVectorField).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(b.dim)))
	if err := b.mc.CreateCollection(ctx, schema, int32(1)); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	// 精确检索，与 flat 后端结果一致
	idx, err := entity.NewIndexFlat(entity.IP)
	if err != nil {
		return fmt.Errorf("new flat index: %w", err)
	}
	if err := b.mc.CreateIndex(ctx, b.coll, milvusVectorField, idx, false); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := b.mc.LoadCollection(ctx, b.coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (b *milvusBackend) add(ctx context.Context, start int, vecs [][]float32) error {
	positions := make([]int64, len(vecs))
	for i := range vecs {
		positions[i] = int64(start + i)
	}
	_, err := b.mc.Insert(ctx, b.coll, "",
		entity.NewColumnInt64(milvusPosField, positions),
		entity.NewColumnFloatVector(milvusVectorField, b.dim, vecs),
	)
	if err == nil {
		err = b.mc.Flush(ctx, b.coll, false)
	}
	if err != nil {
		// 失败的批次不能占用这些位置，否则下一次插入会产生重复主键
		if delErr := b.mc.Delete(ctx, b.coll, "", positionExpr(positions)); delErr != nil {
			return fmt.Errorf("insert: %w (cleanup failed: %v)", err, delErr)
		}
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

func positionExpr(positions []int64) string {
	parts := make([]string, len(positions))
	for i, p := range positions {
		parts[i] = strconv.FormatInt(p, 10)
	}
	return fmt.Sprintf("%s in [%s]", milvusPosField, strings.Join(parts, ","))
}

func (b *milvusBackend) search(ctx context.Context, query []float32, k int) ([]int, []float32, error) {
	sp, err := entity.NewIndexFlatSearchParam()
	if err != nil {
		return nil, nil, err
	}
	res, err := b.mc.Search(ctx, b.coll, nil, "", []string{milvusPosField},
		[]entity.Vector{entity.FloatVector(query)}, milvusVectorField, entity.IP, k, sp,
		client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return nil, nil, fmt.Errorf("search: %w", err)
	}
	var (
		positions []int
		scores    []float32
	)
	for _, r := range res {
		ids, ok := r.IDs.(*entity.ColumnInt64)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected id column type %T", r.IDs)
		}
		data := ids.Data()
		for i := 0; i < r.ResultCount && i < len(data); i++ {
			positions = append(positions, int(data[i]))
			scores = append(scores, r.Scores[i])
		}
	}
	return positions, scores, nil
}

func (b *milvusBackend) reset(ctx context.Context) error {
	return b.recreate(ctx)
}

func (b *milvusBackend) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dropErr := b.mc.DropCollection(ctx, b.coll)
	if err := b.mc.Close(); err != nil {
		return err
	}
	if dropErr != nil {
		return fmt.Errorf("drop collection %s: %w", b.coll, dropErr)
	}
	return nil
}
