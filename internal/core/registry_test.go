package core

import (
	"context"
	"errors"
	"testing"
)

func TestNewRegistry(t *testing.T) {
	noTable := sellerDef()
	noTable.Table = ""

	orphan := sellerDef()
	orphan.Children = []ChildRelation{{Entity: "buyer", ForeignKey: "seller_number"}}

	noFK := sellerDef()
	noFK.Children = []ChildRelation{{Entity: "property"}}

	tests := []struct {
		name    string
		defs    []EntityDefinition
		wantErr bool
	}{
		{"valid", []EntityDefinition{sellerDef(), propertyDef()}, false},
		{"missing table", []EntityDefinition{noTable}, true},
		{"duplicate name", []EntityDefinition{propertyDef(), propertyDef()}, true},
		{"unregistered child", []EntityDefinition{orphan, propertyDef()}, true},
		{"child without foreign key", []EntityDefinition{noFK, propertyDef()}, true},
		{"unnamed", []EntityDefinition{{Table: "x"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.defs...)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRegistry error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_Lookup(t *testing.T) {
	buyer := EntityDefinition{
		Name: "buyer", Table: "buyers", SheetRange: "Buyers!A:Z",
		KeyHeader: "Buyer Number", KeyColumn: "buyer_number", Order: 2,
	}
	reg, err := NewRegistry(propertyDef(), buyer, sellerDef())
	if err != nil {
		t.Fatalf("NewRegistry error = %v", err)
	}

	var names []string
	for _, def := range reg.All() {
		names = append(names, def.Name)
	}
	if want := []string{"seller", "buyer", "property"}; !sameKeys(names, want) {
		t.Errorf("All() order = %v, want %v", names, want)
	}

	if _, ok := reg.Get("seller"); !ok {
		t.Error("Get(seller) not found")
	}
	if _, ok := reg.Get("tenant"); ok {
		t.Error("Get(tenant) found an unregistered entity")
	}

	children := reg.Children("seller")
	if len(children) != 1 || children[0].Entity.Table != "properties" || children[0].ForeignKey != "seller_number" {
		t.Errorf("Children(seller) = %+v", children)
	}
	if got := reg.Children("buyer"); len(got) != 0 {
		t.Errorf("Children(buyer) = %+v, want none", got)
	}
}

func TestService_ExecuteUnknownEntity(t *testing.T) {
	f := newServiceFixture(t, nil)

	err := f.svc.ExecuteOperation(context.Background(), &SyncOperation{Type: OpCreate, Entity: "tenant", EntityKey: "T1"})
	if !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("error = %v, want ErrUnknownEntity", err)
	}
	if got := FromError(err).Code; got != CodeValidation {
		t.Errorf("code = %s, want %s", got, CodeValidation)
	}
}
