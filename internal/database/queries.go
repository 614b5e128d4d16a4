package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pfpintranet/zkteco-listener/internal/constants"
	"github.com/pfpintranet/zkteco-listener/internal/device"
)

// OpenLog is an attendance row still waiting for a checkout time.
type OpenLog struct {
	ID            int64        `db:"Id"`
	EmpID         string       `db:"EmpId"`
	DateTimeStamp time.Time    `db:"DateTimeStamp"`
	TimeIn        sql.NullTime `db:"TimeIn"`
}

// ReferenceTime is the row's age anchor: TimeIn when present, else the stamp.
func (l OpenLog) ReferenceTime() time.Time {
	if l.TimeIn.Valid {
		return l.TimeIn.Time
	}
	return l.DateTimeStamp
}

// ShiftWindow is a planned shift row for one employee and day.
type ShiftWindow struct {
	InTmp   ShiftTime `db:"InTmp"`
	OutTmp  ShiftTime `db:"OutTmp"`
	Holiday Flag      `db:"HoliDay"`
}

// ShiftTime holds a planned clock time the way the shift view returns it,
// either "HH:mm[:ss]" text or a TIME column.
type ShiftTime struct {
	Valid bool
	Text  string
}

// Scan implements sql.Scanner.
func (t *ShiftTime) Scan(src any) error {
	t.Valid, t.Text = true, ""
	switch v := src.(type) {
	case nil:
		t.Valid = false
	case string:
		t.Text = v
	case []byte:
		t.Text = string(v)
	case time.Time:
		t.Text = v.Format("15:04:05")
	default:
		return fmt.Errorf("unsupported shift time type %T", src)
	}
	return nil
}

// Flag reads bit or integer truth columns.
type Flag bool

// Scan implements sql.Scanner.
func (f *Flag) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*f = false
	case bool:
		*f = Flag(v)
	case int64:
		*f = v != 0
	case []byte:
		*f = len(v) > 0 && v[0] != 0 && v[0] != '0'
	default:
		return fmt.Errorf("unsupported flag type %T", src)
	}
	return nil
}

// Devices returns the terminal inventory rows. A NULL device name falls back
// to the IP.
func (m *Manager) Devices(ctx context.Context) ([]device.Device, error) {
	if m.db == nil {
		return nil, errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT [IP], [DeviceName] FROM ` + m.deviceTable + ` WITH (NOLOCK)`
	rows, err := m.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %v", err)
	}
	defer rows.Close()

	var devices []device.Device
	for rows.Next() {
		var ip string
		var name sql.NullString
		if err := rows.Scan(&ip, &name); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %v", err)
		}
		d := device.Device{IP: ip, Name: name.String}
		if !name.Valid {
			d.Name = ip
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// StaleOpenLogs returns open attendance rows whose reference time is older
// than the threshold.
func (m *Manager) StaleOpenLogs(ctx context.Context, threshold time.Time) ([]OpenLog, error) {
	if m.db == nil {
		return nil, errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT [Id], [EmpId], [DateTimeStamp], [TimeIn]
	FROM ` + m.logTable + ` WITH (NOLOCK)
	WHERE [TimeOut] IS NULL
	  AND (
	    ([TimeIn] IS NOT NULL AND [TimeIn] < @p1)
	    OR
	    ([TimeIn] IS NULL AND [DateTimeStamp] < @p2)
	  )`
	rows, err := m.db.QueryxContext(ctx, query, threshold, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale logs: %v", err)
	}
	defer rows.Close()

	var logs []OpenLog
	for rows.Next() {
		var l OpenLog
		if err := rows.StructScan(&l); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %v", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ShiftWindows returns the planned shifts for the employee on the given day,
// holidays last, latest planned start first.
func (m *Manager) ShiftWindows(ctx context.Context, empID string, day time.Time) ([]ShiftWindow, error) {
	if m.db == nil {
		return nil, errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT [InTmp], [OutTmp], [HoliDay]
	FROM ` + m.shiftView + ` WITH (NOLOCK)
	WHERE [EmpId] = @p1 AND [DatePeriod] = @p2
	ORDER BY [HoliDay] ASC, [InTmp] DESC`
	rows, err := m.db.QueryxContext(ctx, query, empID, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query shifts: %v", err)
	}
	defer rows.Close()

	var shifts []ShiftWindow
	for rows.Next() {
		var s ShiftWindow
		if err := rows.StructScan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan shift row: %v", err)
		}
		shifts = append(shifts, s)
	}
	return shifts, rows.Err()
}

// CloseLog stamps the checkout time on a row closed by the cleanup service.
func (m *Manager) CloseLog(ctx context.Context, id int64, timeOut time.Time) error {
	if m.db == nil {
		return errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `UPDATE ` + m.logTable + `
	SET [TimeOut] = @p1, [IPStampOut] = @p2
	WHERE [Id] = @p3`
	if _, err := m.db.ExecContext(ctx, query, timeOut, constants.CleanupStamp, id); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("close canceled: %v", err)
		}
		return fmt.Errorf("failed to close log %d: %v", id, err)
	}
	return nil
}
