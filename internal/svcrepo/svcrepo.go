// Package svcrepo provides CRUD over cell service rows joined with their
// owning cell, per spec §2's "Service Repository" component.
package svcrepo

import (
	"github.com/hiverun/hive/internal/store"
)

// Repository is a thin query layer over the Store scoped to services.
type Repository struct {
	store *store.Store
}

// New constructs a Repository backed by st.
func New(st *store.Store) *Repository {
	return &Repository{store: st}
}

// Get returns a single service by id.
func (r *Repository) Get(id string) (store.CellService, error) {
	return r.store.GetServiceByID(id)
}

// FindByCellAndName returns the service for (cellID, name).
func (r *Repository) FindByCellAndName(cellID, name string) (store.CellService, error) {
	return r.store.FindServiceByCellAndName(cellID, name)
}

// ListByCell returns every service owned by cellID.
func (r *Repository) ListByCell(cellID string) ([]store.CellService, error) {
	return r.store.ListServicesByCell(cellID)
}

// ListAllWithCells returns every service row joined with its owning cell.
func (r *Repository) ListAllWithCells() ([]store.CellServiceWithCell, error) {
	return r.store.ListAllServicesWithCells()
}

// Insert creates a new service row.
func (r *Repository) Insert(svc store.CellService) error {
	return r.store.InsertService(svc)
}

// Update patches an existing service row.
func (r *Repository) Update(id string, patch store.ServicePatch) error {
	return r.store.UpdateService(id, patch)
}

// Delete removes a service row.
func (r *Repository) Delete(id string) error {
	return r.store.DeleteService(id)
}
