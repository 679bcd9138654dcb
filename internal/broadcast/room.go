package broadcast

import "strings"

// Room roles. They mirror the actor roles carried in access tokens.
const (
	RoleSchool  = "school"
	RoleOffice  = "office"
	RoleTeacher = "teacher"
	RoleParent  = "parent"
)

const roomPrefix = "dismissal"

// Room scopes delivery to a school and role. Key narrows it further: the
// homeroom for teachers, the student for parents. A teacher room with an
// empty key receives the whole school.
type Room struct {
	SchoolID string
	Role     string
	Key      string
}

// String is the channel name used by the Redis backend.
func (r Room) String() string {
	parts := []string{roomPrefix, r.SchoolID, r.Role}
	if r.Key != "" {
		parts = append(parts, r.Key)
	}
	return strings.Join(parts, ":")
}

// SchoolRoom carries session-level events every actor of a school listens to.
func SchoolRoom(schoolID string) Room {
	return Room{SchoolID: schoolID, Role: RoleSchool}
}

func OfficeRoom(schoolID string) Room {
	return Room{SchoolID: schoolID, Role: RoleOffice}
}

func TeacherRoom(schoolID, homeroomID string) Room {
	return Room{SchoolID: schoolID, Role: RoleTeacher, Key: homeroomID}
}

func ParentRoom(schoolID, studentID string) Room {
	return Room{SchoolID: schoolID, Role: RoleParent, Key: studentID}
}

// RoomsFor lists every room that should see evt. Events without an entry
// describe the session itself and go to the school room only.
func RoomsFor(evt Event) []Room {
	if evt.EntryID == "" {
		return []Room{SchoolRoom(evt.SchoolID)}
	}
	rooms := []Room{OfficeRoom(evt.SchoolID), TeacherRoom(evt.SchoolID, "")}
	if evt.HomeroomID != "" {
		rooms = append(rooms, TeacherRoom(evt.SchoolID, evt.HomeroomID))
	}
	if evt.StudentID != "" {
		rooms = append(rooms, ParentRoom(evt.SchoolID, evt.StudentID))
	}
	return rooms
}
