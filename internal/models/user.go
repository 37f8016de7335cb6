package models

import "time"

type User struct {
	ID        int       `json:"id" example:"1"`                   // User ID
	Email     string    `json:"email" example:"user@example.com"` // User email
	FirstName string    `json:"first_name" example:"John"`
	LastName  string    `json:"last_name" example:"Doe"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
