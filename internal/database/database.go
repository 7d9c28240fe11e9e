package database

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/optionledger/optionledger/internal/models"
)

// Database wraps the gorm handle shared by the pipeline and the views.
type Database struct {
	db *gorm.DB
}

// New opens the ledger store. A postgres:// DSN connects to PostgreSQL;
// anything else is treated as a SQLite file path.
func New(dsn string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// DB exposes the underlying gorm handle.
func (d *Database) DB() *gorm.DB { return d.db }

// User operations

func (d *Database) GetOrCreateUser(id, email string) (*models.User, error) {
	user := &models.User{ID: id, Email: email}
	err := d.db.FirstOrCreate(user, models.User{ID: id}).Error
	return user, err
}

func (d *Database) ListUsers() ([]models.User, error) {
	var users []models.User
	err := d.db.Order("id").Find(&users).Error
	return users, err
}

// Credential operations

func (d *Database) SaveCredential(cred *models.UserCredential) error {
	return d.db.Save(cred).Error
}

func (d *Database) GetCredential(userID, provider string) (*models.UserCredential, error) {
	var cred models.UserCredential
	err := d.db.First(&cred, "user_id = ? AND provider = ?", userID, provider).Error
	if err != nil {
		return nil, err
	}
	return &cred, nil
}
