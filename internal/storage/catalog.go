package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"livecast/internal/model"
)

// UpsertProduct inserts or replaces a catalog entry.
func (s *Store) UpsertProduct(ctx context.Context, p model.Product) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO products (id,tenant_id,code,name,price,color,size,image_url)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id=excluded.tenant_id,
			code=excluded.code,
			name=excluded.name,
			price=excluded.price,
			color=excluded.color,
			size=excluded.size,
			image_url=excluded.image_url
	`, p.ID, p.TenantID, p.Code, p.Name, p.Price, p.Color, p.Size, p.ImageURL)
	return err
}

// ProductsByIDs looks the products up in bulk and returns them aligned with ids:
// result[i] is the product for ids[i], or nil when it does not exist for the tenant.
func (s *Store) ProductsByIDs(ctx context.Context, tenantID string, ids []string) ([]*model.Product, error) {
	out := make([]*model.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id,tenant_id,COALESCE(code,''),COALESCE(name,''),price,COALESCE(color,''),COALESCE(size,''),COALESCE(image_url,'')
		FROM products WHERE tenant_id=? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := make(map[string]*model.Product, len(ids))
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Code, &p.Name, &p.Price, &p.Color, &p.Size, &p.ImageURL); err != nil {
			return nil, err
		}
		byID[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, nil
}

// UpsertCredentials stores the messaging provider settings of a tenant.
func (s *Store) UpsertCredentials(ctx context.Context, c model.Credentials) error {
	if c.Provider == "" {
		c.Provider = model.ProviderZAPI
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO messaging_credentials (tenant_id,provider,base_url,instance_id,token,client_token,updated_at)
		VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(tenant_id) DO UPDATE SET
			provider=excluded.provider,
			base_url=excluded.base_url,
			instance_id=excluded.instance_id,
			token=excluded.token,
			client_token=excluded.client_token,
			updated_at=CURRENT_TIMESTAMP
	`, c.TenantID, c.Provider, c.BaseURL, c.InstanceID, c.Token, c.ClientToken)
	return err
}

// GetCredentials returns the messaging credentials of a tenant or model.ErrNotFound.
func (s *Store) GetCredentials(ctx context.Context, tenantID string) (*model.Credentials, error) {
	var c model.Credentials
	err := s.DB.QueryRowContext(ctx, `SELECT tenant_id,provider,COALESCE(base_url,''),COALESCE(instance_id,''),COALESCE(token,''),COALESCE(client_token,'')
		FROM messaging_credentials WHERE tenant_id=?`, tenantID).
		Scan(&c.TenantID, &c.Provider, &c.BaseURL, &c.InstanceID, &c.Token, &c.ClientToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credentials for %s: %w", tenantID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
