package entity

import (
	"fmt"
)

// Catalog is the ordered set of synchronized tables. Order is dependency order:
// tenant root, identity accounts, reference tables, dependent tables, then leaf and
// time-series tables.
type Catalog struct {
	ordered []*Descriptor
	byKind  map[Kind]*Descriptor
}

// NewCatalog validates the descriptors and builds a catalog in the given order
func NewCatalog(descriptors ...Descriptor) (*Catalog, error) {
	c := &Catalog{byKind: make(map[Kind]*Descriptor, len(descriptors))}
	for i := range descriptors {
		d := descriptors[i]
		d.index()
		if err := c.validate(&d); err != nil {
			return nil, err
		}
		c.ordered = append(c.ordered, &d)
		c.byKind[d.Kind] = &d
	}
	return c, nil
}

func (c *Catalog) validate(d *Descriptor) error {
	if d.Table == "" {
		return fmt.Errorf("%s: table name is required", d.Kind)
	}
	if _, dup := c.byKind[d.Kind]; dup {
		return fmt.Errorf("%s: duplicate descriptor", d.Kind)
	}
	if len(d.KeyColumns) == 0 {
		return fmt.Errorf("%s: at least one key column is required", d.Kind)
	}
	for _, k := range d.KeyColumns {
		if _, ok := d.Column(k); !ok {
			return fmt.Errorf("%s: unknown key column %q", d.Kind, k)
		}
	}
	if _, ok := d.Column(d.TenantColumn); !ok {
		return fmt.Errorf("%s: unknown tenant column %q", d.Kind, d.TenantColumn)
	}
	if d.AutoKey && len(d.KeyColumns) != 1 {
		return fmt.Errorf("%s: auto keys must be single-column", d.Kind)
	}
	if d.WindowColumn != "" {
		col, ok := d.Column(d.WindowColumn)
		if !ok {
			return fmt.Errorf("%s: unknown window column %q", d.Kind, d.WindowColumn)
		}
		if col.Type != TypeDate && col.Type != TypeTime {
			return fmt.Errorf("%s: window column %q must be a date or time", d.Kind, d.WindowColumn)
		}
	}
	for _, f := range d.CompareFields {
		if _, ok := d.Column(f); !ok {
			return fmt.Errorf("%s: unknown compare field %q", d.Kind, f)
		}
	}
	if d.PendingColumn != "" {
		col, ok := d.Column(d.PendingColumn)
		if !ok {
			return fmt.Errorf("%s: unknown pending column %q", d.Kind, d.PendingColumn)
		}
		if col.Type != TypeBool {
			return fmt.Errorf("%s: pending column %q must be a boolean", d.Kind, d.PendingColumn)
		}
		if d.IsKeyColumn(d.PendingColumn) {
			return fmt.Errorf("%s: pending column %q must not be a key column", d.Kind, d.PendingColumn)
		}
	}
	if d.SampleSize < 0 {
		return fmt.Errorf("%s: sample size must not be negative", d.Kind)
	}
	for _, dep := range d.Dependencies {
		parent, ok := c.byKind[dep.Parent]
		if !ok {
			return fmt.Errorf("%s: dependency %s must be declared before it", d.Kind, dep.Parent)
		}
		if len(dep.Columns) != len(parent.KeyColumns) {
			return fmt.Errorf("%s: dependency on %s needs %d columns, got %d",
				d.Kind, dep.Parent, len(parent.KeyColumns), len(dep.Columns))
		}
		for _, col := range dep.Columns {
			if _, ok := d.Column(col); !ok {
				return fmt.Errorf("%s: unknown reference column %q", d.Kind, col)
			}
		}
	}
	return nil
}

// Lookup returns the descriptor for a kind
func (c *Catalog) Lookup(kind Kind) (*Descriptor, error) {
	d, ok := c.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("entity kind %s is not in the catalog", kind)
	}
	return d, nil
}

// MustLookup is Lookup for kinds known to be present
func (c *Catalog) MustLookup(kind Kind) *Descriptor {
	d, err := c.Lookup(kind)
	if err != nil {
		panic(err)
	}
	return d
}

// Ordered returns descriptors in dependency order
func (c *Catalog) Ordered() []*Descriptor {
	out := make([]*Descriptor, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Kinds returns the kinds in dependency order
func (c *Catalog) Kinds() []Kind {
	kinds := make([]Kind, len(c.ordered))
	for i, d := range c.ordered {
		kinds[i] = d.Kind
	}
	return kinds
}

// DefaultDescriptors returns the school-administration tables in dependency order
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			Kind:  KindSchool,
			Table: "schools",
			Columns: []Column{
				{"id", TypeInt}, {"name", TypeText}, {"address", TypeText}, {"phone", TypeText},
				{"email", TypeText}, {"logo", TypeBytes}, {"is_active", TypeBool}, {"updated_at", TypeTime},
			},
			KeyColumns:    []string{"id"},
			TenantColumn:  "id",
			CompareFields: []string{"name", "address", "phone", "email", "logo", "is_active"},
			ExcludeBinary: true,
		},
		{
			Kind:  KindUser,
			Table: "users",
			Columns: []Column{
				{"username", TypeText}, {"school_id", TypeInt}, {"role", TypeText}, {"name", TypeText},
				{"mobile", TypeText}, {"email", TypeText}, {"is_active", TypeBool}, {"updated_at", TypeTime},
			},
			KeyColumns:    []string{"username", "school_id"},
			TenantColumn:  "school_id",
			CompareFields: []string{"role", "name", "mobile", "email", "is_active"},
			Dependencies:  []Dependency{{Parent: KindSchool, Columns: []string{"school_id"}}},
		},
		{
			Kind:  KindClass,
			Table: "classes",
			Columns: []Column{
				{"id", TypeInt}, {"school_id", TypeInt}, {"class_name", TypeText},
				{"section", TypeText}, {"updated_at", TypeTime},
			},
			KeyColumns:    []string{"id"},
			TenantColumn:  "school_id",
			AutoKey:       true,
			CompareFields: []string{"class_name", "section"},
			Dependencies:  []Dependency{{Parent: KindSchool, Columns: []string{"school_id"}}},
		},
		{
			Kind:  KindStaff,
			Table: "staff",
			Columns: []Column{
				{"username", TypeText}, {"school_id", TypeInt}, {"name", TypeText}, {"designation", TypeText},
				{"class_id", TypeInt}, {"mobile", TypeText}, {"email", TypeText}, {"photo", TypeBytes},
				{"updated_at", TypeTime},
			},
			KeyColumns:    []string{"username", "school_id"},
			TenantColumn:  "school_id",
			CompareFields: []string{"name", "designation", "class_id", "mobile", "email", "photo"},
			ExcludeBinary: true,
			Dependencies: []Dependency{
				{Parent: KindUser, Columns: []string{"username", "school_id"}},
				{Parent: KindClass, Columns: []string{"class_id"}},
			},
		},
		{
			Kind:  KindStudent,
			Table: "students",
			Columns: []Column{
				{"username", TypeText}, {"school_id", TypeInt}, {"name", TypeText}, {"class_id", TypeInt},
				{"gender", TypeText}, {"dob", TypeDate}, {"mobile", TypeText}, {"photo", TypeBytes},
				{"updated_at", TypeTime},
			},
			KeyColumns:    []string{"username", "school_id"},
			TenantColumn:  "school_id",
			CompareFields: []string{"name", "class_id", "gender", "dob", "mobile", "photo"},
			ExcludeBinary: true,
			SampleSize:    500,
			Dependencies: []Dependency{
				{Parent: KindUser, Columns: []string{"username", "school_id"}},
				{Parent: KindClass, Columns: []string{"class_id"}},
			},
		},
		{
			Kind:  KindStudentAttendance,
			Table: "student_attendance",
			Columns: []Column{
				{"username", TypeText}, {"school_id", TypeInt}, {"date", TypeDate}, {"class_id", TypeInt},
				{"fn_status", TypeText}, {"an_status", TypeText}, {"updated_at", TypeTime},
			},
			KeyColumns:    []string{"username", "school_id", "date"},
			TenantColumn:  "school_id",
			WindowColumn:  "date",
			WindowDays:    30,
			CompareFields: []string{"class_id", "fn_status", "an_status"},
			SampleSize:    1000,
			Dependencies:  []Dependency{{Parent: KindStudent, Columns: []string{"username", "school_id"}}},
		},
		{
			Kind:  KindStaffAttendance,
			Table: "staff_attendance",
			Columns: []Column{
				{"username", TypeText}, {"school_id", TypeInt}, {"date", TypeDate},
				{"fn_status", TypeText}, {"an_status", TypeText}, {"updated_at", TypeTime},
			},
			KeyColumns:    []string{"username", "school_id", "date"},
			TenantColumn:  "school_id",
			WindowColumn:  "date",
			WindowDays:    30,
			CompareFields: []string{"fn_status", "an_status"},
			SampleSize:    1000,
			Dependencies:  []Dependency{{Parent: KindStaff, Columns: []string{"username", "school_id"}}},
		},
		{
			Kind:  KindFee,
			Table: "fees",
			Columns: []Column{
				{"id", TypeInt}, {"school_id", TypeInt}, {"class_id", TypeInt}, {"title", TypeText},
				{"amount_cents", TypeInt}, {"due_date", TypeDate}, {"updated_at", TypeTime},
			},
			KeyColumns:    []string{"id"},
			TenantColumn:  "school_id",
			AutoKey:       true,
			CompareFields: []string{"class_id", "title", "amount_cents", "due_date"},
			Dependencies:  []Dependency{{Parent: KindClass, Columns: []string{"class_id"}}},
		},
		{
			Kind:  KindTimetable,
			Table: "timetables",
			Columns: []Column{
				{"id", TypeInt}, {"school_id", TypeInt}, {"class_id", TypeInt}, {"day_of_week", TypeInt},
				{"period", TypeInt}, {"subject", TypeText}, {"staff_username", TypeText}, {"updated_at", TypeTime},
			},
			KeyColumns:    []string{"id"},
			TenantColumn:  "school_id",
			AutoKey:       true,
			CompareFields: []string{"class_id", "day_of_week", "period", "subject", "staff_username"},
			Dependencies: []Dependency{
				{Parent: KindClass, Columns: []string{"class_id"}},
				{Parent: KindStaff, Columns: []string{"staff_username", "school_id"}},
			},
		},
		{
			Kind:  KindPayment,
			Table: "payments",
			Columns: []Column{
				{"id", TypeInt}, {"school_id", TypeInt}, {"fee_id", TypeInt}, {"student_username", TypeText},
				{"amount_cents", TypeInt}, {"method", TypeText}, {"paid_at", TypeTime}, {"updated_at", TypeTime},
			},
			KeyColumns:    []string{"id"},
			TenantColumn:  "school_id",
			AutoKey:       true,
			WindowColumn:  "paid_at",
			WindowDays:    90,
			CompareFields: []string{"fee_id", "student_username", "amount_cents", "method", "paid_at"},
			Dependencies: []Dependency{
				{Parent: KindFee, Columns: []string{"fee_id"}},
				{Parent: KindStudent, Columns: []string{"student_username", "school_id"}},
			},
		},
	}
}

// DefaultCatalog builds the catalog of school-administration tables
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultDescriptors()...)
	if err != nil {
		panic(fmt.Sprintf("default catalog is invalid: %v", err))
	}
	return c
}
