package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/ig-rudenko/axo-vpn-bot/internal/shared/errors"
)

// DBTX is the minimal database handle shared by *sql.DB and *sql.Tx, so
// every query runs the same inside and outside a transaction.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries holds all typed database operations.
type Queries struct {
	db DBTX
}

// New creates a Queries instance bound to a database handle.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx rebinds the queries to a transaction.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// Querier defines all typed operations the managers consume.
type Querier interface {
	// Servers
	CreateServer(ctx context.Context, arg CreateServerParams) (Server, error)
	GetServer(ctx context.Context, id int64) (Server, error)
	ListServers(ctx context.Context) ([]Server, error)

	// Users
	GetUser(ctx context.Context, id int64) (User, error)
	GetOrCreateUserByChatID(ctx context.Context, chatID int64) (User, error)

	// Connections
	CreateConnection(ctx context.Context, arg CreateConnectionParams) (VPNConnection, error)
	GetConnection(ctx context.Context, id int64) (VPNConnection, error)
	GetConnectionByServerAndIP(ctx context.Context, serverID int64, localIP string) (VPNConnection, error)
	ListConnectionSummaries(ctx context.Context) ([]ConnectionSummary, error)
	ListConnectionsByUser(ctx context.Context, userID int64) ([]VPNConnection, error)
	ListFreeConnections(ctx context.Context, serverID int64, limit int64) ([]VPNConnection, error)
	UpdateConnectionConfig(ctx context.Context, id int64, config string) error
	SetConnectionUnavailable(ctx context.Context, id int64) error
	ReserveConnection(ctx context.Context, id, userID int64) error
	ActivateConnection(ctx context.Context, id, userID int64, availableTo time.Time) error
	ReleaseConnection(ctx context.Context, id int64) error
	ConnectionHasActiveBill(ctx context.Context, id int64) (bool, error)

	// Bills
	CreateBill(ctx context.Context, arg CreateBillParams) (ActiveBill, error)
	AssociateBillConnection(ctx context.Context, billRowID, connID int64) error
	ListBillsWithConnections(ctx context.Context) ([]BillWithConnections, error)
	ListBillsByUser(ctx context.Context, userID int64) ([]BillWithConnections, error)
	DeleteBill(ctx context.Context, id int64) error
}

var _ Querier = (*Queries)(nil)

// CreateServerParams holds the attributes of a new server row.
type CreateServerParams struct {
	Name        string
	IP          string
	Port        int64
	Login       string
	Password    string
	Location    string
	CountryCode string
}

func (q *Queries) CreateServer(ctx context.Context, arg CreateServerParams) (Server, error) {
	if arg.Port == 0 {
		arg.Port = 22
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO servers (name, ip, port, login, password, location, country_code)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		arg.Name, arg.IP, arg.Port, arg.Login, arg.Password, arg.Location, arg.CountryCode,
	)
	if err != nil {
		return Server{}, storeErr("create server", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Server{}, storeErr("create server", err)
	}
	return q.GetServer(ctx, id)
}

func (q *Queries) GetServer(ctx context.Context, id int64) (Server, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, name, ip, port, login, password, location, country_code
		FROM servers WHERE id = ?`, id)

	var s Server
	err := row.Scan(&s.ID, &s.Name, &s.IP, &s.Port, &s.Login, &s.Password, &s.Location, &s.CountryCode)
	if err == sql.ErrNoRows {
		return Server{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Server{}, storeErr("get server", err)
	}
	return s, nil
}

func (q *Queries) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, ip, port, login, password, location, country_code
		FROM servers ORDER BY id`)
	if err != nil {
		return nil, storeErr("list servers", err)
	}
	defer rows.Close()

	var servers []Server
	for rows.Next() {
		var s Server
		if err := rows.Scan(&s.ID, &s.Name, &s.IP, &s.Port, &s.Login, &s.Password, &s.Location, &s.CountryCode); err != nil {
			return nil, storeErr("list servers", err)
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

func (q *Queries) GetUser(ctx context.Context, id int64) (User, error) {
	row := q.db.QueryRowContext(ctx, `SELECT id, chat_id FROM users WHERE id = ?`, id)

	var u User
	err := row.Scan(&u.ID, &u.ChatID)
	if err == sql.ErrNoRows {
		return User{}, apperrors.ErrNotFound
	}
	if err != nil {
		return User{}, storeErr("get user", err)
	}
	return u, nil
}

func (q *Queries) GetOrCreateUserByChatID(ctx context.Context, chatID int64) (User, error) {
	row := q.db.QueryRowContext(ctx, `SELECT id, chat_id FROM users WHERE chat_id = ?`, chatID)

	var u User
	err := row.Scan(&u.ID, &u.ChatID)
	if err == nil {
		return u, nil
	}
	if err != sql.ErrNoRows {
		return User{}, storeErr("get user by chat id", err)
	}

	res, err := q.db.ExecContext(ctx, `INSERT INTO users (chat_id) VALUES (?)`, chatID)
	if err != nil {
		return User{}, storeErr("create user", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, storeErr("create user", err)
	}
	return User{ID: id, ChatID: chatID}, nil
}

// CreateConnectionParams holds the attributes of a new connection row.
// New rows always start unassigned; ownership arrives through reservation.
type CreateConnectionParams struct {
	ServerID   int64
	LocalIP    string
	Config     string
	ClientName string
}

func (q *Queries) CreateConnection(ctx context.Context, arg CreateConnectionParams) (VPNConnection, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO vpn_connections (server_id, user_id, available, local_ip, available_to, config, client_name)
		VALUES (?, NULL, 0, ?, NULL, ?, ?)`,
		arg.ServerID, arg.LocalIP, arg.Config, arg.ClientName,
	)
	if err != nil {
		return VPNConnection{}, storeErr("create connection", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return VPNConnection{}, storeErr("create connection", err)
	}
	return q.GetConnection(ctx, id)
}

const connectionColumns = `id, server_id, user_id, available, local_ip, available_to, config, client_name`

func scanConnection(row interface{ Scan(...any) error }) (VPNConnection, error) {
	var c VPNConnection
	err := row.Scan(&c.ID, &c.ServerID, &c.UserID, &c.Available, &c.LocalIP, &c.AvailableTo, &c.Config, &c.ClientName)
	return c, err
}

func (q *Queries) GetConnection(ctx context.Context, id int64) (VPNConnection, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM vpn_connections WHERE id = ?`, id)

	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return VPNConnection{}, apperrors.ErrNotFound
	}
	if err != nil {
		return VPNConnection{}, storeErr("get connection", err)
	}
	return c, nil
}

// GetConnectionByServerAndIP returns the zero-or-one connection matching the
// (server, tunnel IPv4) pair that identifies a physical peer file.
func (q *Queries) GetConnectionByServerAndIP(ctx context.Context, serverID int64, localIP string) (VPNConnection, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM vpn_connections WHERE server_id = ? AND local_ip = ?`,
		serverID, localIP)

	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return VPNConnection{}, apperrors.ErrNotFound
	}
	if err != nil {
		return VPNConnection{}, storeErr("get connection by server and ip", err)
	}
	return c, nil
}

// ListConnectionSummaries loads every connection without the config text.
func (q *Queries) ListConnectionSummaries(ctx context.Context) ([]ConnectionSummary, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, server_id, user_id, available, local_ip, available_to, client_name
		FROM vpn_connections ORDER BY id`)
	if err != nil {
		return nil, storeErr("list connection summaries", err)
	}
	defer rows.Close()

	var summaries []ConnectionSummary
	for rows.Next() {
		var c ConnectionSummary
		if err := rows.Scan(&c.ID, &c.ServerID, &c.UserID, &c.Available, &c.LocalIP, &c.AvailableTo, &c.ClientName); err != nil {
			return nil, storeErr("list connection summaries", err)
		}
		summaries = append(summaries, c)
	}
	return summaries, rows.Err()
}

func (q *Queries) ListConnectionsByUser(ctx context.Context, userID int64) ([]VPNConnection, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM vpn_connections WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, storeErr("list connections by user", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

// ListFreeConnections returns up to limit unassigned slots on a server,
// used to reserve slots when a purchase bill is created.
func (q *Queries) ListFreeConnections(ctx context.Context, serverID int64, limit int64) ([]VPNConnection, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM vpn_connections
		 WHERE server_id = ? AND user_id IS NULL ORDER BY id LIMIT ?`, serverID, limit)
	if err != nil {
		return nil, storeErr("list free connections", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

func collectConnections(rows *sql.Rows) ([]VPNConnection, error) {
	var conns []VPNConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, storeErr("scan connection", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// UpdateConnectionConfig replaces only the stored config text. Ownership and
// availability are deliberately untouched: drift correction must never
// reassign a connection.
func (q *Queries) UpdateConnectionConfig(ctx context.Context, id int64, config string) error {
	return q.exec(ctx, "update connection config",
		`UPDATE vpn_connections SET config = ? WHERE id = ?`, config, id)
}

// checkTransition rejects an update that would apply an illegal lifecycle
// move to the connection.
func checkTransition(conn VPNConnection, to ConnectionState) error {
	from := conn.State()
	if CanTransition(from, to) {
		return nil
	}
	return apperrors.NewStoreError(apperrors.ErrCodeIllegalState,
		"illegal state transition", false, nil).
		WithMetadata("connection_id", conn.ID).
		WithMetadata("from", string(from)).
		WithMetadata("to", string(to))
}

// SetConnectionUnavailable freezes a connection while keeping its owner and
// lease, so the grace window and late renewal still apply.
func (q *Queries) SetConnectionUnavailable(ctx context.Context, id int64) error {
	conn, err := q.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(conn, StateFrozen); err != nil {
		return err
	}
	return q.exec(ctx, "set connection unavailable",
		`UPDATE vpn_connections SET available = 0 WHERE id = ?`, id)
}

// ReserveConnection assigns an owner without a lease while a bill is pending.
func (q *Queries) ReserveConnection(ctx context.Context, id, userID int64) error {
	conn, err := q.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(conn, StateReserved); err != nil {
		return err
	}
	return q.exec(ctx, "reserve connection",
		`UPDATE vpn_connections SET user_id = ?, available = 0 WHERE id = ?`, userID, id)
}

// ActivateConnection makes a connection usable by its owner until availableTo.
func (q *Queries) ActivateConnection(ctx context.Context, id, userID int64, availableTo time.Time) error {
	conn, err := q.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(conn, StateActive); err != nil {
		return err
	}
	return q.exec(ctx, "activate connection",
		`UPDATE vpn_connections SET user_id = ?, available = 1, available_to = ? WHERE id = ?`,
		userID, availableTo, id)
}

// ReleaseConnection returns a connection to the unowned pool.
func (q *Queries) ReleaseConnection(ctx context.Context, id int64) error {
	conn, err := q.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(conn, StateUnassigned); err != nil {
		return err
	}
	return q.exec(ctx, "release connection",
		`UPDATE vpn_connections SET user_id = NULL, available = 0, available_to = NULL WHERE id = ?`, id)
}

// ConnectionHasActiveBill reports whether any outstanding bill references
// the connection.
func (q *Queries) ConnectionHasActiveBill(ctx context.Context, id int64) (bool, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bills_vpn_connections WHERE conn_id = ?`, id)

	var n int64
	if err := row.Scan(&n); err != nil {
		return false, storeErr("connection has active bill", err)
	}
	return n > 0, nil
}

// CreateBillParams holds the attributes of a new bill row.
type CreateBillParams struct {
	BillID        string
	UserID        int64
	BillType      BillType
	RentMonths    int64
	FormExpiresAt time.Time
	PayURL        string
}

func (q *Queries) CreateBill(ctx context.Context, arg CreateBillParams) (ActiveBill, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO active_bills (bill_id, user_id, bill_type, rent_months, form_expires_at, pay_url)
		VALUES (?, ?, ?, ?, ?, ?)`,
		arg.BillID, arg.UserID, string(arg.BillType), arg.RentMonths, arg.FormExpiresAt, arg.PayURL,
	)
	if err != nil {
		return ActiveBill{}, storeErr("create bill", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ActiveBill{}, storeErr("create bill", err)
	}
	return ActiveBill{
		ID:            id,
		BillID:        arg.BillID,
		UserID:        arg.UserID,
		BillType:      arg.BillType,
		RentMonths:    arg.RentMonths,
		FormExpiresAt: sql.NullTime{Time: arg.FormExpiresAt, Valid: !arg.FormExpiresAt.IsZero()},
		PayURL:        arg.PayURL,
	}, nil
}

func (q *Queries) AssociateBillConnection(ctx context.Context, billRowID, connID int64) error {
	return q.exec(ctx, "associate bill connection",
		`INSERT INTO bills_vpn_connections (bill_id, conn_id) VALUES (?, ?)`, billRowID, connID)
}

func (q *Queries) ListBillsWithConnections(ctx context.Context) ([]BillWithConnections, error) {
	return q.listBills(ctx, `
		SELECT id, bill_id, user_id, bill_type, rent_months, form_expires_at, pay_url
		FROM active_bills ORDER BY id`)
}

func (q *Queries) ListBillsByUser(ctx context.Context, userID int64) ([]BillWithConnections, error) {
	return q.listBills(ctx, `
		SELECT id, bill_id, user_id, bill_type, rent_months, form_expires_at, pay_url
		FROM active_bills WHERE user_id = ? ORDER BY id`, userID)
}

func (q *Queries) listBills(ctx context.Context, query string, args ...any) ([]BillWithConnections, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list bills", err)
	}
	defer rows.Close()

	var bills []BillWithConnections
	for rows.Next() {
		var b BillWithConnections
		var billType string
		if err := rows.Scan(&b.ID, &b.BillID, &b.UserID, &billType, &b.RentMonths, &b.FormExpiresAt, &b.PayURL); err != nil {
			return nil, storeErr("list bills", err)
		}
		b.BillType = BillType(billType)
		bills = append(bills, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list bills", err)
	}

	for i := range bills {
		conns, err := q.connectionsForBill(ctx, bills[i].ID)
		if err != nil {
			return nil, err
		}
		bills[i].Connections = conns
	}
	return bills, nil
}

func (q *Queries) connectionsForBill(ctx context.Context, billRowID int64) ([]VPNConnection, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT c.id, c.server_id, c.user_id, c.available, c.local_ip, c.available_to, c.config, c.client_name
		FROM vpn_connections c
		JOIN bills_vpn_connections bc ON bc.conn_id = c.id
		WHERE bc.bill_id = ? ORDER BY c.id`, billRowID)
	if err != nil {
		return nil, storeErr("connections for bill", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (q *Queries) DeleteBill(ctx context.Context, id int64) error {
	return q.exec(ctx, "delete bill",
		`DELETE FROM active_bills WHERE id = ?`, id)
}

func (q *Queries) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func storeErr(op string, err error) error {
	return apperrors.NewStoreError(apperrors.ErrCodeStoreQuery, fmt.Sprintf("%s failed", op), true, err)
}
