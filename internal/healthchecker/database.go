package healthchecker

import (
	"context"

	"github.com/hiapp/hicall/internal/database"
)

func CheckDB() error {
	db, err := database.NewDatabase(context.Background())
	if err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
