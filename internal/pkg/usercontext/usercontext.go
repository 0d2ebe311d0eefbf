package usercontext

import "github.com/gofiber/fiber/v2"

// UserContext represents the authenticated caller of a request
type UserContext struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	IsLoggedIn bool   `json:"is_logged_in"`
	IsAdmin    bool   `json:"is_admin"`
}

// Set stores uc on the request and mirrors the common fields as plain locals.
func Set(c *fiber.Ctx, uc UserContext) {
	c.Locals(KeyUserContext, uc)
	c.Locals(KeyUserID, uc.UserID)
	c.Locals(KeyIsAdmin, uc.IsAdmin)
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if uc, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return uc
	}
	return UserContext{}
}

// IsLoggedIn checks if the current user is logged in
func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

// IsAdmin checks if the current user is an admin
func IsAdmin(c *fiber.Ctx) bool {
	return GetUserContext(c).IsAdmin
}

// GetUserID returns the current user's ID, or "" if not logged in
func GetUserID(c *fiber.Ctx) string {
	return GetUserContext(c).UserID
}
