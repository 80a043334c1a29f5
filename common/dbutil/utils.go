package dbutil

import (
	"gorm.io/gorm"

	"github.com/openrx/pharmslot/common/errors"
)

// FindOne loads a single row from the prepared query, returning
// errors.NotFound when no row matches.
func FindOne[T any](db *gorm.DB) (*T, error) {
	var item T
	result := db.Find(&item)
	if result.Error != nil {
		return &item, WrapError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, errors.NotFound
	}
	return &item, nil
}
