package sde

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tidwall/gjson"
)

type Category struct {
	ID   int64
	Name string
}

type Group struct {
	ID         int64
	CategoryID int64
	Name       string
}

type Type struct {
	ID       int32
	GroupID  int64
	Name     string
	IconName string
}

type Region struct {
	ID   int64
	Name string
}

type SolarSystem struct {
	ID       int64
	RegionID int64
	Name     string
	Security float64
}

type Station struct {
	ID       int64
	TypeID   int32
	SystemID int64
	Name     string
}

// Dataset is a batch of reference rows to import.
type Dataset struct {
	Categories   []Category
	Groups       []Group
	Types        []Type
	Regions      []Region
	SolarSystems []SolarSystem
	Stations     []Station
}

// Import upserts everything in ds in one transaction.
func (d *DB) Import(ctx context.Context, ds Dataset) (err error) {
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, c := range ds.Categories {
		if _, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO type_categories(category_id, name) VALUES(?,?)", c.ID, c.Name); err != nil {
			return err
		}
	}
	for _, g := range ds.Groups {
		if _, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO type_groups(group_id, category_id, name) VALUES(?,?,?)", g.ID, g.CategoryID, g.Name); err != nil {
			return err
		}
	}
	for _, t := range ds.Types {
		if _, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO types(type_id, group_id, name, icon_name) VALUES(?,?,?,?)", t.ID, t.GroupID, t.Name, nullIfEmpty(t.IconName)); err != nil {
			return err
		}
	}
	for _, r := range ds.Regions {
		if _, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO regions(region_id, name) VALUES(?,?)", r.ID, r.Name); err != nil {
			return err
		}
	}
	for _, s := range ds.SolarSystems {
		if _, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO solar_systems(system_id, region_id, name, security) VALUES(?,?,?,?)", s.ID, s.RegionID, s.Name, s.Security); err != nil {
			return err
		}
	}
	for _, s := range ds.Stations {
		if _, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO stations(station_id, type_id, system_id, name) VALUES(?,?,?,?)", s.ID, s.TypeID, s.SystemID, s.Name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ParseDataset reads a JSON export with the top-level arrays categories,
// groups, types, regions, solar_systems and stations.
func ParseDataset(data []byte) (Dataset, error) {
	if !gjson.ValidBytes(data) {
		return Dataset{}, errors.New("sde: dataset is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	var ds Dataset
	doc.Get("categories").ForEach(func(_, v gjson.Result) bool {
		ds.Categories = append(ds.Categories, Category{ID: v.Get("id").Int(), Name: v.Get("name").String()})
		return true
	})
	doc.Get("groups").ForEach(func(_, v gjson.Result) bool {
		ds.Groups = append(ds.Groups, Group{ID: v.Get("id").Int(), CategoryID: v.Get("category_id").Int(), Name: v.Get("name").String()})
		return true
	})
	doc.Get("types").ForEach(func(_, v gjson.Result) bool {
		ds.Types = append(ds.Types, Type{
			ID:       int32(v.Get("id").Int()),
			GroupID:  v.Get("group_id").Int(),
			Name:     v.Get("name").String(),
			IconName: v.Get("icon_name").String(),
		})
		return true
	})
	doc.Get("regions").ForEach(func(_, v gjson.Result) bool {
		ds.Regions = append(ds.Regions, Region{ID: v.Get("id").Int(), Name: v.Get("name").String()})
		return true
	})
	doc.Get("solar_systems").ForEach(func(_, v gjson.Result) bool {
		ds.SolarSystems = append(ds.SolarSystems, SolarSystem{
			ID:       v.Get("id").Int(),
			RegionID: v.Get("region_id").Int(),
			Name:     v.Get("name").String(),
			Security: v.Get("security").Float(),
		})
		return true
	})
	doc.Get("stations").ForEach(func(_, v gjson.Result) bool {
		ds.Stations = append(ds.Stations, Station{
			ID:       v.Get("id").Int(),
			TypeID:   int32(v.Get("type_id").Int()),
			SystemID: v.Get("system_id").Int(),
			Name:     v.Get("name").String(),
		})
		return true
	})
	return ds, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
