package tenant

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type scopedRow struct {
	ID       uint      `gorm:"primaryKey"`
	TenantID uuid.UUID `gorm:"type:uuid;not null;index"`
	Label    string
}

func newScopeDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&scopedRow{}))
	return db
}

func TestScope(t *testing.T) {
	db := newScopeDB(t)
	tenantA, tenantB := uuid.New(), uuid.New()
	require.NoError(t, db.Create(&[]scopedRow{
		{TenantID: tenantA, Label: "a1"},
		{TenantID: tenantA, Label: "a2"},
		{TenantID: tenantB, Label: "b1"},
	}).Error)

	t.Run("returns only the tenant's rows", func(t *testing.T) {
		var rows []scopedRow
		require.NoError(t, db.Scopes(Scope(tenantA)).Order("label").Find(&rows).Error)
		require.Len(t, rows, 2)
		assert.Equal(t, "a1", rows[0].Label)
		assert.Equal(t, "a2", rows[1].Label)
	})

	t.Run("unknown tenant matches nothing", func(t *testing.T) {
		var count int64
		require.NoError(t, db.Model(&scopedRow{}).Scopes(Scope(uuid.New())).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("nil tenant fails the query", func(t *testing.T) {
		var rows []scopedRow
		err := db.Scopes(Scope(uuid.Nil)).Find(&rows).Error
		assert.ErrorIs(t, err, ErrTenantIDRequired)
		assert.Empty(t, rows)
	})
}
