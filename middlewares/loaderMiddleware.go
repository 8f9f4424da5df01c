package middlewares

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/thurmanlabs/settlement_backend/config"
	"github.com/thurmanlabs/settlement_backend/models"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch per-request reads so listing endpoints that expand every
// package's escrow state and snapshots hit the DB once per shape instead of
// once per row.
type Loaders struct {
	PackageLoader     *dataloader.Loader[int, *models.LoanPackage]
	EscrowStateLoader *dataloader.Loader[int, *models.EscrowState]
	HoldersLoader     *dataloader.Loader[int, []*models.HolderBalance]
	SnapshotsLoader   *dataloader.Loader[int, []*models.ServicingSnapshot]
}

func NewLoaders(conn *gorm.DB) *Loaders {
	packageReader := &packageReader{db: conn}
	escrowStateReader := &escrowStateReader{db: conn}
	holdersReader := &holdersReader{db: conn}
	snapshotsReader := &snapshotsReader{db: conn}

	return &Loaders{
		PackageLoader:     dataloader.NewBatchedLoader(packageReader.getPackages, dataloader.WithWait[int, *models.LoanPackage](time.Millisecond)),
		EscrowStateLoader: dataloader.NewBatchedLoader(escrowStateReader.getEscrowStates, dataloader.WithWait[int, *models.EscrowState](time.Millisecond)),
		HoldersLoader:     dataloader.NewBatchedLoader(holdersReader.getHolders, dataloader.WithWait[int, []*models.HolderBalance](time.Millisecond)),
		SnapshotsLoader:   dataloader.NewBatchedLoader(snapshotsReader.getSnapshots, dataloader.WithWait[int, []*models.ServicingSnapshot](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(config.GetDB())
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

type packageReader struct {
	db *gorm.DB
}

func (r *packageReader) getPackages(ctx context.Context, ids []int) []*dataloader.Result[*models.LoanPackage] {
	var results []models.LoanPackage
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.LoanPackage](len(ids), err)
	}

	resultMap := make(map[int]*models.LoanPackage)
	for i := range results {
		resultMap[results[i].ID] = &results[i]
	}
	loaderResults := make([]*dataloader.Result[*models.LoanPackage], 0, len(ids))
	for _, id := range ids {
		if pkg, ok := resultMap[id]; ok {
			loaderResults = append(loaderResults, &dataloader.Result[*models.LoanPackage]{Data: pkg})
		} else {
			loaderResults = append(loaderResults, &dataloader.Result[*models.LoanPackage]{Error: &models.PackageNotFoundError{PackageId: id}})
		}
	}
	return loaderResults
}

// GetPackage returns a single package by id efficiently
func GetPackage(ctx context.Context, id int) (*models.LoanPackage, error) {
	loaders := For(ctx)
	return loaders.PackageLoader.Load(ctx, id)()
}

type escrowStateReader struct {
	db *gorm.DB
}

func (r *escrowStateReader) getEscrowStates(ctx context.Context, packageIds []int) []*dataloader.Result[*models.EscrowState] {
	var results []models.EscrowState
	err := r.db.WithContext(ctx).Where("package_id IN ?", packageIds).Find(&results).Error
	if err != nil {
		return handleError[*models.EscrowState](len(packageIds), err)
	}

	resultMap := make(map[int]*models.EscrowState)
	for i := range results {
		resultMap[results[i].PackageId] = &results[i]
	}
	loaderResults := make([]*dataloader.Result[*models.EscrowState], 0, len(packageIds))
	for _, id := range packageIds {
		// nil data means "never escrowed", not an error.
		loaderResults = append(loaderResults, &dataloader.Result[*models.EscrowState]{Data: resultMap[id]})
	}
	return loaderResults
}

func GetEscrowState(ctx context.Context, packageId int) (*models.EscrowState, error) {
	loaders := For(ctx)
	return loaders.EscrowStateLoader.Load(ctx, packageId)()
}

type holdersReader struct {
	db *gorm.DB
}

func (r *holdersReader) getHolders(ctx context.Context, packageIds []int) []*dataloader.Result[[]*models.HolderBalance] {
	var results []models.HolderBalance
	err := r.db.WithContext(ctx).
		Where("package_id IN ? AND balance > 0", packageIds).
		Order("id ASC").Find(&results).Error
	if err != nil {
		return handleError[[]*models.HolderBalance](len(packageIds), err)
	}

	resultMap := make(map[int][]*models.HolderBalance)
	for _, result := range results {
		copy := result
		resultMap[result.PackageId] = append(resultMap[result.PackageId], &copy)
	}
	loaderResults := make([]*dataloader.Result[[]*models.HolderBalance], 0, len(packageIds))
	for _, id := range packageIds {
		loaderResults = append(loaderResults, &dataloader.Result[[]*models.HolderBalance]{Data: resultMap[id]})
	}
	return loaderResults
}

func GetHolders(ctx context.Context, packageId int) ([]*models.HolderBalance, error) {
	loaders := For(ctx)
	return loaders.HoldersLoader.Load(ctx, packageId)()
}

type snapshotsReader struct {
	db *gorm.DB
}

func (r *snapshotsReader) getSnapshots(ctx context.Context, packageIds []int) []*dataloader.Result[[]*models.ServicingSnapshot] {
	var results []models.ServicingSnapshot
	err := r.db.WithContext(ctx).
		Where("package_id IN ?", packageIds).
		Order("sequence_no ASC").Find(&results).Error
	if err != nil {
		return handleError[[]*models.ServicingSnapshot](len(packageIds), err)
	}

	resultMap := make(map[int][]*models.ServicingSnapshot)
	for _, result := range results {
		copy := result
		resultMap[result.PackageId] = append(resultMap[result.PackageId], &copy)
	}
	loaderResults := make([]*dataloader.Result[[]*models.ServicingSnapshot], 0, len(packageIds))
	for _, id := range packageIds {
		loaderResults = append(loaderResults, &dataloader.Result[[]*models.ServicingSnapshot]{Data: resultMap[id]})
	}
	return loaderResults
}

func GetSnapshots(ctx context.Context, packageId int) ([]*models.ServicingSnapshot, error) {
	loaders := For(ctx)
	return loaders.SnapshotsLoader.Load(ctx, packageId)()
}
