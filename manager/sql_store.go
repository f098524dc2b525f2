package manager

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// LoggerAssignment is one row of the logger to host map.
type LoggerAssignment struct {
	LoggerID  string `gorm:"primaryKey;size:512"`
	HostID    string `gorm:"index;size:256"`
	UpdatedAt time.Time
}

// MaintainedDevice is a device that ever had a logger.
type MaintainedDevice struct {
	DeviceID string `gorm:"primaryKey;size:512"`
	AddedAt  time.Time
}

// SQLStore keeps the manager state in a SQLite database.
type SQLStore struct {
	db *gorm.DB
}

func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open manager state db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&LoggerAssignment{}, &MaintainedDevice{}); err != nil {
		return nil, fmt.Errorf("failed to migrate manager state db: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Load() (State, error) {
	st := State{Assignments: make(map[string]string)}
	var rows []LoggerAssignment
	if err := s.db.Order("logger_id asc").Find(&rows).Error; err != nil {
		return st, fmt.Errorf("failed to load logger assignments: %w", err)
	}
	for _, r := range rows {
		st.Assignments[r.LoggerID] = r.HostID
	}
	var devices []MaintainedDevice
	if err := s.db.Order("device_id asc").Find(&devices).Error; err != nil {
		return st, fmt.Errorf("failed to load maintained devices: %w", err)
	}
	for _, d := range devices {
		st.Maintained = append(st.Maintained, d.DeviceID)
	}
	return st, nil
}

// SaveAssignments replaces the stored map.
func (s *SQLStore) SaveAssignments(assignments map[string]string) error {
	now := time.Now().UTC()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&LoggerAssignment{}).Error; err != nil {
			return fmt.Errorf("failed to clear logger assignments: %w", err)
		}
		for loggerID, hostID := range assignments {
			row := LoggerAssignment{LoggerID: loggerID, HostID: hostID, UpdatedAt: now}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to store assignment of %s: %w", loggerID, err)
			}
		}
		return nil
	})
}

// SaveMaintained adds devices not stored yet. The set only grows.
func (s *SQLStore) SaveMaintained(devices []string) error {
	now := time.Now().UTC()
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, d := range devices {
			row := MaintainedDevice{DeviceID: d, AddedAt: now}
			if err := tx.Where(MaintainedDevice{DeviceID: d}).FirstOrCreate(&row).Error; err != nil {
				return fmt.Errorf("failed to store maintained device %s: %w", d, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
