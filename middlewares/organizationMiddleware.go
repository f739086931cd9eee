package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicelink/agentdash_backend/models"
	"github.com/voicelink/agentdash_backend/utils"
)

// OrganizationMiddleware verifies the organization resolved from the token
// still exists, and lets platform admins act on behalf of another
// organization via the organization_id query parameter.
func OrganizationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		organizationID, _ := utils.GetOrganizationIdFromContext(ctx)
		isAdmin, _ := utils.GetIsAdminFromContext(ctx)

		if override := c.Query("organization_id"); override != "" {
			if !isAdmin {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "only admins may act on another organization"})
				return
			}
			organizationID = override
			ctx = utils.SetOrganizationIdInContext(ctx, organizationID)
		}

		if organizationID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization could not be resolved"})
			return
		}
		if _, err := models.GetOrganizationById(ctx, organizationID); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown organization"})
			return
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
