package database

var Tabels []interface{} = []interface{}{
	&User{},
	&Session{},
	&TextContent{},
	&FileItem{},
	&FileContent{},
}
