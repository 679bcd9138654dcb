package dismissal

// SeedDemo loads a small roster into r for the in-memory dev mode: three
// homerooms, a two-child family on car 142, a bus rider and a few walkers.
func SeedDemo(r *MemoryRepository, schoolID string) error {
	for _, h := range []Homeroom{
		{ID: "hr-3a", SchoolID: schoolID, Name: "3A", Grade: "3", TeacherID: "t-rivera"},
		{ID: "hr-4b", SchoolID: schoolID, Name: "4B", Grade: "4", TeacherID: "t-okafor"},
		{ID: "hr-5c", SchoolID: schoolID, Name: "5C", Grade: "5", TeacherID: "t-lindqvist"},
	} {
		r.AddHomeroom(h)
	}
	for _, s := range []Student{
		{ID: "st-alice", FirstName: "Alice", LastName: "Smith", HomeroomID: "hr-3a", DismissalType: DismissCar, CarNumber: "142"},
		{ID: "st-bob", FirstName: "Bob", LastName: "Smith", HomeroomID: "hr-4b", DismissalType: DismissCar, CarNumber: "142"},
		{ID: "st-carmen", FirstName: "Carmen", LastName: "Diaz", HomeroomID: "hr-5c", DismissalType: DismissCar, CarNumber: "77"},
		{ID: "st-dev", FirstName: "Dev", LastName: "Patel", HomeroomID: "hr-3a", DismissalType: DismissBus, BusNumber: "12"},
		{ID: "st-wren", FirstName: "Wren", LastName: "Hall", HomeroomID: "hr-3a", DismissalType: DismissWalker},
		{ID: "st-will", FirstName: "Will", LastName: "Ng", HomeroomID: "hr-4b", DismissalType: DismissWalker},
		{ID: "st-wanda", FirstName: "Wanda", LastName: "Ortiz", HomeroomID: "hr-5c", DismissalType: DismissWalker},
	} {
		s.SchoolID = schoolID
		s.Active = true
		r.AddStudent(s)
	}
	return r.AddFamilyGroup(FamilyGroup{
		ID:         "fg-smith",
		SchoolID:   schoolID,
		CarNumber:  "142",
		Name:       "Smith family",
		StudentIDs: []string{"st-alice", "st-bob"},
	})
}
