package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogOrder(t *testing.T) {
	c := DefaultCatalog()
	kinds := c.Kinds()
	require.Len(t, kinds, 10)
	assert.Equal(t, KindSchool, kinds[0], "tenant root must come first")
	assert.Equal(t, KindUser, kinds[1], "identity accounts follow the tenant root")

	pos := make(map[Kind]int, len(kinds))
	for i, k := range kinds {
		pos[k] = i
	}
	for _, d := range c.Ordered() {
		for _, dep := range d.Dependencies {
			assert.Less(t, pos[dep.Parent], pos[d.Kind], "%s must follow %s", d.Kind, dep.Parent)
		}
	}
}

func TestNewCatalogRejectsForwardDependency(t *testing.T) {
	descs := DefaultDescriptors()
	// move students ahead of classes
	descs[2], descs[4] = descs[4], descs[2]
	_, err := NewCatalog(descs...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be declared before it")
}

func TestNewCatalogRejectsUnknownCompareField(t *testing.T) {
	descs := DefaultDescriptors()
	descs[0].CompareFields = []string{"motto"}
	_, err := NewCatalog(descs...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown compare field")
}

func TestKeyOfNormalizesAcrossDrivers(t *testing.T) {
	d := DefaultCatalog().MustLookup(KindStudentAttendance)

	// pgx returns int32/time.Time, sqlite returns int64/string
	fromPrimary := Row{"username": "stu1", "school_id": int32(5), "date": time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	fromSecondary := Row{"username": "stu1", "school_id": int64(5), "date": "2024-03-01"}

	k1, err := d.KeyOf(fromPrimary)
	require.NoError(t, err)
	k2, err := d.KeyOf(fromSecondary)
	require.NoError(t, err)
	assert.Equal(t, k1.String(), k2.String())
	assert.Equal(t, "stu1|5|2024-03-01", k1.String())
}

func TestKeyOfMissingColumn(t *testing.T) {
	d := DefaultCatalog().MustLookup(KindUser)
	_, err := d.KeyOf(Row{"username": "admin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "school_id")
}

func TestComparedFieldsExcludeBinary(t *testing.T) {
	d := DefaultCatalog().MustLookup(KindStudent)
	fields := d.ComparedFields()
	assert.NotContains(t, fields, "photo")
	assert.Contains(t, fields, "name")

	d2 := *d
	d2.ExcludeBinary = false
	assert.Contains(t, d2.ComparedFields(), "photo")
}

func TestDiff(t *testing.T) {
	d := DefaultCatalog().MustLookup(KindStudent)
	a := Row{"name": "Asha", "class_id": int64(3), "gender": "F", "dob": "2015-06-01", "mobile": nil, "photo": []byte{1}}
	b := Row{"name": "Asha", "class_id": int32(3), "gender": "F", "dob": time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC), "photo": []byte{2}}
	assert.Empty(t, d.Diff(a, b), "photo is binary and excluded, other values normalize equal")

	b["name"] = "Asha K"
	assert.Equal(t, []string{"name"}, d.Diff(a, b))
}

func TestNormalize(t *testing.T) {
	v, err := Normalize(TypeBool, int64(1))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Normalize(TypeTime, "2024-01-02 03:04:05.123456789+00:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC), v)

	_, err = Normalize(TypeInt, "abc")
	assert.Error(t, err)

	assert.True(t, Equal(TypeText, nil, nil))
	assert.False(t, Equal(TypeText, nil, ""))
}

func TestWindowStart(t *testing.T) {
	c := DefaultCatalog()
	now := time.Date(2024, 3, 31, 15, 0, 0, 0, time.UTC)
	start := c.MustLookup(KindStudentAttendance).WindowStart(now)
	require.NotNil(t, start)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *start)
	assert.Nil(t, c.MustLookup(KindStudent).WindowStart(now))
}

func TestParentKey(t *testing.T) {
	c := DefaultCatalog()
	staff := c.MustLookup(KindStaff)
	class := c.MustLookup(KindClass)

	key, ok, err := staff.ParentKey(staff.Dependencies[1], class, Row{"class_id": int32(7)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "7", key.String())

	_, ok, err = staff.ParentKey(staff.Dependencies[1], class, Row{"class_id": nil})
	require.NoError(t, err)
	assert.False(t, ok, "null references are not checked")
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Student_Attendance")
	require.NoError(t, err)
	assert.Equal(t, KindStudentAttendance, k)

	_, err = ParseKind("homework")
	assert.Error(t, err)
}

func TestOverrides(t *testing.T) {
	doc := []byte(`
entities:
  student:
    compare_fields: [name, class_id]
    sample_size: 50
  student_attendance:
    window_days: 7
`)
	o, err := ParseOverrides(doc)
	require.NoError(t, err)

	c, err := o.Apply(DefaultDescriptors())
	require.NoError(t, err)

	student := c.MustLookup(KindStudent)
	assert.Equal(t, []string{"name", "class_id"}, student.CompareFields)
	assert.Equal(t, 50, student.SampleSize)
	att := c.MustLookup(KindStudentAttendance)
	assert.Equal(t, 7, att.WindowDays)
}

func TestOverridesValidation(t *testing.T) {
	_, err := ParseOverrides([]byte("entities:\n  student:\n    sample_size: -1\n"))
	require.Error(t, err)

	o, err := ParseOverrides([]byte("entities:\n  homework:\n    sample_size: 1\n"))
	require.NoError(t, err)
	_, err = o.Apply(DefaultDescriptors())
	assert.Error(t, err)

	_, err = ParseOverrides([]byte("entities:\n  student:\n    pending_column: sync_pending\n"))
	assert.ErrorContains(t, err, "pending_column", "unknown keys are rejected")
}

func TestPendingColumnValidation(t *testing.T) {
	base := func() Descriptor {
		return Descriptor{
			Kind:         KindClass,
			Table:        "classes",
			Columns:      []Column{{"id", TypeInt}, {"school_id", TypeInt}, {"class_name", TypeText}, {"sync_pending", TypeBool}},
			KeyColumns:   []string{"id"},
			TenantColumn: "school_id",
		}
	}

	d := base()
	d.PendingColumn = "sync_pending"
	c, err := NewCatalog(d)
	require.NoError(t, err)
	class := c.MustLookup(KindClass)
	assert.True(t, class.Pending(Row{"sync_pending": int64(1)}))
	assert.NotContains(t, class.ComparedFields(), "sync_pending")

	d = base()
	d.PendingColumn = "missing"
	_, err = NewCatalog(d)
	assert.ErrorContains(t, err, "unknown pending column")

	d = base()
	d.PendingColumn = "class_name"
	_, err = NewCatalog(d)
	assert.ErrorContains(t, err, "must be a boolean")
}

func TestChangedCoversEveryColumn(t *testing.T) {
	student := DefaultCatalog().MustLookup(KindStudent)
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a := Row{"username": "stu1", "school_id": int64(5), "name": "Asha", "photo": []byte{1, 2, 3}, "updated_at": ts}
	b := Row{"username": "stu1", "school_id": int64(5), "name": "Asha", "photo": []byte{9}, "updated_at": ts}

	assert.Empty(t, student.Diff(a, b), "photo is outside the compared fields")
	assert.Equal(t, []string{"photo"}, student.Changed(a, b))

	b["photo"] = []byte{1, 2, 3}
	b["updated_at"] = ts.Add(time.Second)
	assert.Equal(t, []string{"updated_at"}, student.Changed(a, b))

	b["updated_at"] = ts.Format(time.RFC3339Nano)
	assert.Empty(t, student.Changed(a, b), "values are compared after normalization")
}
